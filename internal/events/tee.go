package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// TeeBus publishes to a primary bus and any number of mirrors. Subscriptions
// and the returned error come from the primary only; mirror failures are
// logged.
type TeeBus struct {
	primary Bus
	mirrors []Publisher
}

// Tee combines primary with mirrors. With no mirrors it returns primary.
func Tee(primary Bus, mirrors ...Publisher) Bus {
	if len(mirrors) == 0 {
		return primary
	}
	return &TeeBus{primary: primary, mirrors: mirrors}
}

func (t *TeeBus) Publish(ctx context.Context, e Event) error {
	err := t.primary.Publish(ctx, e)
	for _, m := range t.mirrors {
		if merr := m.Publish(ctx, e); merr != nil {
			slog.Warn("event mirror publish failed",
				slog.String("type", string(e.Type)),
				slog.String("error", merr.Error()),
			)
		}
	}
	return err
}

func (t *TeeBus) Subscribe(ctx context.Context, userID string) (<-chan Event, func(), error) {
	return t.primary.Subscribe(ctx, userID)
}

func (t *TeeBus) Close() error {
	errs := []error{t.primary.Close()}
	for _, m := range t.mirrors {
		if c, ok := m.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
