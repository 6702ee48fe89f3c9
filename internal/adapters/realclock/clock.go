// Package realclock backs ports.Clock with the time package.
package realclock

import (
	"time"

	"github.com/acolita/shellkeeper/internal/ports"
)

// Clock implements ports.Clock using wall-clock time.
type Clock struct{}

// New returns a new real Clock.
func New() *Clock {
	return &Clock{}
}

func (c *Clock) Now() time.Time                        { return time.Now() }
func (c *Clock) Sleep(d time.Duration)                 { time.Sleep(d) }
func (c *Clock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTicker returns a ticker firing every d.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	return ticker{t: time.NewTicker(d)}
}

type ticker struct {
	t *time.Ticker
}

func (t ticker) C() <-chan time.Time { return t.t.C }
func (t ticker) Stop()               { t.t.Stop() }

var _ ports.Clock = (*Clock)(nil)
