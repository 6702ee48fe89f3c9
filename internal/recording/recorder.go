// Package recording writes session transcripts in asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/acolita/shellkeeper/internal/ports"
)

// Recorder appends one session's terminal I/O to a .cast file.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	startTime time.Time
	closed    bool
	clock     ports.Clock
}

// Header is the asciicast v2 header line.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event line: [time, code, data].
type Event struct {
	Time float64
	Code string
	Data string
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Code, e.Data})
}

// Event codes.
const (
	CodeOutput = "o"
	CodeInput  = "i"
	CodeResize = "r"
)

// NewRecorder creates <dir>/<sessionID>_<timestamp>.cast and writes the header.
func NewRecorder(dir, sessionID, term string, cols, rows int, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	now := clock.Now()
	name := filepath.Join(dir, fmt.Sprintf("%s_%s.cast", sessionID, now.Format("20060102_150405")))
	file, err := fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	header, err := json.Marshal(Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: now.Unix(),
		Title:     sessionID,
		Env:       map[string]string{"TERM": term},
	})
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(header, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &Recorder{file: file, startTime: now, clock: clock}, nil
}

// RecordOutput records data received from the remote shell.
func (r *Recorder) RecordOutput(data string) error {
	return r.record(CodeOutput, data)
}

// RecordInput records keystrokes sent to the shell. Printable text is masked
// one asterisk per character since it may be a password typed at a prompt;
// line endings and control bytes are kept so the transcript stays readable.
func (r *Recorder) RecordInput(data string) error {
	return r.record(CodeInput, maskInput(data))
}

// RecordResize records a terminal geometry change.
func (r *Recorder) RecordResize(cols, rows int) error {
	return r.record(CodeResize, strconv.Itoa(cols)+"x"+strconv.Itoa(rows))
}

func maskInput(data string) string {
	var b strings.Builder
	b.Grow(utf8.RuneCountInString(data))
	for _, c := range data {
		if c < 0x20 || c == 0x7f {
			b.WriteRune(c)
			continue
		}
		b.WriteByte('*')
	}
	return b.String()
}

func (r *Recorder) record(code, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	line, err := json.Marshal(Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Code: code,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the file. Further records are ignored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Path returns the recording file name.
func (r *Recorder) Path() string {
	return r.file.Name()
}
