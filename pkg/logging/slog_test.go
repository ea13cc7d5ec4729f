package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	opts := DefaultOptions()
	opts.UseColor = false
	opts.Level = level
	return slog.New(NewPrettyHandler(buf, &opts))
}

func TestPrettyHandler_RendersMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, slog.LevelInfo)

	log.Info("peer connected", "addr", "127.0.0.1:9001", "attempt", 3)

	out := buf.String()
	if !strings.Contains(out, "peer connected") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Fatalf("missing level: %q", out)
	}
	if !strings.Contains(out, `"addr":"127.0.0.1:9001"`) {
		t.Fatalf("missing attr: %q", out)
	}
	if !strings.Contains(out, `"attempt":3`) {
		t.Fatalf("missing attr: %q", out)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, slog.LevelInfo)

	log.Debug("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug record emitted: %q", buf.String())
	}
}

func TestPrettyHandler_WithAttrsPersist(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, slog.LevelInfo).With("component", "controller")

	log.Info("status")
	if !strings.Contains(buf.String(), `"component":"controller"`) {
		t.Fatalf("missing inherited attr: %q", buf.String())
	}
}
