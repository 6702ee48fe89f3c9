package session

import (
	"errors"
	"io"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/acolita/shellkeeper/internal/metrics"
	"github.com/acolita/shellkeeper/internal/ports"
)

// pump copies shell output into the session buffer until the channel ends
// or the session is closed. Bytes are decoded as UTF-8: invalid sequences
// become U+FFFD. A rune split across reads is held back until its last byte
// arrives; everything before it is delivered at once. Received output counts
// as activity.
//
// The pump never removes the session and never closes the transport; it
// only marks the session CLOSED when the remote side ends the stream.
func pump(s *Session, chunkSize int, clock ports.Clock) {
	defer close(s.done)

	dec := unicode.UTF8.NewDecoder()
	buf := make([]byte, chunkSize)
	var pending []byte
	for {
		n, err := s.channel.Read(buf)
		if s.stopped() {
			return
		}
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := len(data) - incompleteTail(data)
			s.deliver(decodeUTF8(dec, data[:cut]), n, clock)
			pending = append([]byte(nil), data[cut:]...)
		}
		if err == nil {
			continue
		}

		if len(pending) > 0 {
			s.deliver(decodeUTF8(dec, pending), 0, clock)
			pending = nil
		}
		if errors.Is(err, io.EOF) {
			if s.markClosed(ReasonExited) {
				slog.Info("remote shell exited",
					slog.String("session_id", s.ID),
					slog.String("owner", s.Owner),
				)
			}
			return
		}
		if s.markClosed(ReasonReadError) {
			slog.Warn("session read failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
}

// deliver buffers chunk and records n raw bytes received.
func (s *Session) deliver(chunk string, n int, clock ports.Clock) {
	if n > 0 {
		metrics.OutputBytes.Add(float64(n))
		s.touch(clock.Now())
	}
	if chunk == "" {
		return
	}
	if dropped := s.buffer.Append(chunk); dropped > 0 {
		metrics.DroppedOutputBytes.Add(float64(dropped))
	}
	if s.recorder != nil {
		s.recorder.RecordOutput(chunk)
	}
}

// incompleteTail returns the length of a truncated multi-byte sequence at
// the end of p, or 0 if p ends on a rune boundary.
func incompleteTail(p []byte) int {
	for i := len(p) - 1; i >= 0 && i > len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return 0
		}
		return len(p) - i
	}
	return 0
}

// decodeUTF8 decodes p completely. A truncated trailing sequence becomes
// U+FFFD.
func decodeUTF8(dec *encoding.Decoder, p []byte) string {
	if len(p) == 0 {
		return ""
	}
	out, err := dec.Bytes(p)
	if err != nil {
		return string([]rune(string(p)))
	}
	return string(out)
}
