package recording

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/shellkeeper/internal/adapters/realclock"
	"github.com/acolita/shellkeeper/internal/adapters/realfs"
	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/testing/fakes/fakeclock"
	"github.com/acolita/shellkeeper/internal/testing/fakes/fakefs"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// lines returns the decoded lines of a recording: the header and then one
// []any per event.
func lines(t *testing.T, fs *fakefs.FS, path string) (Header, [][]any) {
	t.Helper()
	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error: %v", path, err)
	}
	rows := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var h Header
	if err := json.Unmarshal([]byte(rows[0]), &h); err != nil {
		t.Fatalf("header %q: %v", rows[0], err)
	}
	var events [][]any
	for _, row := range rows[1:] {
		var ev []any
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			t.Fatalf("event %q: %v", row, err)
		}
		events = append(events, ev)
	}
	return h, events
}

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{"output", Event{Time: 1.5, Code: "o", Data: "hello"}, `[1.5,"o","hello"]`},
		{"zero time", Event{Code: "i", Data: ""}, `[0,"i",""]`},
		{"control bytes", Event{Time: 1, Code: "o", Data: "a\r\n\x1b[0m"}, `[1,"o","a\r\n\u001b[0m"]`},
		{"unicode", Event{Time: 0.5, Code: "o", Data: "世界"}, `[0.5,"o","世界"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("Marshal() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestNewRecorder_WritesHeader(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)

	r, err := NewRecorder("/rec", "sess_abc", "xterm-256color", 132, 43, fs, clk)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	defer r.Close()

	if want := "/rec/sess_abc_20260301_120000.cast"; r.Path() != want {
		t.Errorf("Path() = %q, want %q", r.Path(), want)
	}
	if fs.Mode(r.Path()) != 0o600 {
		t.Errorf("mode = %v, want 0600", fs.Mode(r.Path()))
	}
	h, events := lines(t, fs, r.Path())
	if h.Version != 2 || h.Width != 132 || h.Height != 43 || h.Timestamp != epoch.Unix() {
		t.Errorf("unexpected header %+v", h)
	}
	if h.Env["TERM"] != "xterm-256color" || h.Title != "sess_abc" {
		t.Errorf("unexpected header env/title %+v", h)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %v", events)
	}
}

func TestNewRecorder_RefusesExistingFile(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)
	if _, err := NewRecorder("/rec", "s", "xterm", 80, 24, fs, clk); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRecorder("/rec", "s", "xterm", 80, 24, fs, clk); err == nil {
		t.Error("expected O_EXCL failure for a duplicate recording")
	}
}

func TestRecorder_Events(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)
	r, _ := NewRecorder("/rec", "s", "xterm", 80, 24, fs, clk)

	r.RecordOutput("$ ")
	clk.Advance(1500 * time.Millisecond)
	r.RecordInput("hunter2\r")
	clk.Advance(500 * time.Millisecond)
	r.RecordResize(120, 40)
	r.Close()
	r.RecordOutput("after close")

	_, events := lines(t, fs, r.Path())
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(events), events)
	}
	want := [][]any{
		{0.0, "o", "$ "},
		{1.5, "i", "*******\r"},
		{2.0, "r", "120x40"},
	}
	for i, w := range want {
		for j := range w {
			if events[i][j] != w[j] {
				t.Errorf("event %d field %d = %v, want %v", i, j, events[i][j], w[j])
			}
		}
	}
}

func TestMaskInput(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"ls -la\r", "******\r"},
		{"\x1b[A", "\x1b**"},
		{"пароль", "******"},
		{"\t\x7f", "\t\x7f"},
	}
	for _, tt := range tests {
		if got := maskInput(tt.in); got != tt.want {
			t.Errorf("maskInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecorder_ConcurrentWrites(t *testing.T) {
	fs := fakefs.New()
	r, _ := NewRecorder("/rec", "s", "xterm", 80, 24, fs, fakeclock.New(epoch))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				r.RecordOutput("x")
			}
		}()
	}
	wg.Wait()
	r.Close()

	_, events := lines(t, fs, r.Path())
	if len(events) != 200 {
		t.Errorf("got %d events, want 200", len(events))
	}
}

func TestRecorder_RealFilesystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "recordings")
	r, err := NewRecorder(dir, "sess_real", "xterm", 80, 24, realfs.New(), realclock.New())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	r.RecordOutput("hi")
	r.Close()

	info, err := os.Stat(r.Path())
	if err != nil {
		t.Fatalf("recording missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(config.RecordingConfig{Enabled: false, Path: "/rec"}, WithFileSystem(fakefs.New()))
	if m.Enabled() {
		t.Error("Enabled() = true")
	}
	if r := m.Start("s", "xterm", 80, 24); r != nil {
		t.Error("Start() should return nil when disabled")
	}
	if err := m.Stop("s"); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	var nilManager *Manager
	if nilManager.Enabled() || nilManager.Path("s") != "" {
		t.Error("nil manager should be inert")
	}
	nilManager.CloseAll()
}

func TestManager_Lifecycle(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)
	m := NewManager(config.RecordingConfig{Enabled: true, Path: "/rec"}, WithFileSystem(fs), WithClock(clk))

	r := m.Start("sess_1", "xterm", 80, 24)
	if r == nil {
		t.Fatal("Start() returned nil")
	}
	if m.Path("sess_1") != r.Path() {
		t.Errorf("Path() = %q, want %q", m.Path("sess_1"), r.Path())
	}
	r.RecordOutput("ok")

	if err := m.Stop("sess_1"); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if m.Path("sess_1") != "" {
		t.Error("Path() should be empty after Stop")
	}
	_, events := lines(t, fs, r.Path())
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}

	m.Start("sess_2", "xterm", 80, 24)
	clk.Advance(time.Second)
	m.Start("sess_3", "xterm", 80, 24)
	m.CloseAll()
	if m.Path("sess_2") != "" || m.Path("sess_3") != "" {
		t.Error("CloseAll should forget every recorder")
	}
}

func TestManager_StartFailureIsNotFatal(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)
	m := NewManager(config.RecordingConfig{Enabled: true, Path: "/rec"}, WithFileSystem(fs), WithClock(clk))

	first := m.Start("dup", "xterm", 80, 24)
	m.Stop("dup")
	// Same second, same file name: O_EXCL refuses it.
	if r := m.Start("dup", "xterm", 80, 24); r != nil {
		t.Error("expected nil recorder when the file cannot be created")
	}
	if first == nil {
		t.Fatal("first Start() returned nil")
	}
}
