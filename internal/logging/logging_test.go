package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	return m
}

func TestHandle_RedactsSensitiveKeys(t *testing.T) {
	tests := []string{"password", "Private_Key", "jwt_token", "secret", "auth_header", "passphrase", "credential_id"}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			var buf bytes.Buffer
			New(&buf, "debug", true).Info("connect", slog.String(key, "hunter2"))
			if got := decode(t, &buf)[key]; got != redacted {
				t.Errorf("%s = %v, want %s", key, got, redacted)
			}
		})
	}
}

func TestHandle_KeepsOrdinaryKeys(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", true).Info("session created",
		slog.String("session_id", "sess_01"),
		slog.String("host", "db1"),
		slog.Int("port", 22),
	)
	m := decode(t, &buf)
	if m["session_id"] != "sess_01" || m["host"] != "db1" || m["port"] != float64(22) {
		t.Errorf("unexpected attrs: %v", m)
	}
	if m["msg"] != "session created" {
		t.Errorf("msg = %v", m["msg"])
	}
}

func TestHandle_SanitizeDisabled(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", false).Info("x", slog.String("password", "hunter2"))
	if got := decode(t, &buf)["password"]; got != "hunter2" {
		t.Errorf("password = %v, want passthrough", got)
	}
}

func TestHandle_NestedGroups(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", true).Info("x", slog.Group("profile",
		slog.String("name", "prod"),
		slog.Group("cred", slog.String("password", "p")),
	))
	profile := decode(t, &buf)["profile"].(map[string]any)
	if profile["name"] != "prod" {
		t.Errorf("name = %v", profile["name"])
	}
	cred := profile["cred"].(map[string]any)
	if cred["password"] != redacted {
		t.Errorf("nested password = %v", cred["password"])
	}
}

func TestWithAttrs_Redacts(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", true).With(slog.String("api_key", "abc"))
	logger.Info("x")
	if got := decode(t, &buf)["api_key"]; got != redacted {
		t.Errorf("api_key = %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", true)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("unexpected output %q", buf.String())
	}
}
