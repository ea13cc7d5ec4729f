// Package logging provides a human-friendly slog handler for terminal
// output: colored level tags, a compact timestamp, and attributes rendered
// as single-line JSON.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Options struct {
	Level      slog.Leveler
	UseColor   bool
	TimeFormat string
}

func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
	}
}

type PrettyHandler struct {
	opts  Options
	w     io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr

	levelColor map[slog.Level]func(...any) string
	dim        func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &PrettyHandler{opts: *opts, w: w, mu: &sync.Mutex{}}
	h.initColors()
	return h
}

func (h *PrettyHandler) initColors() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.dim = plain
		h.levelColor = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.dim = color.New(color.FgHiBlack).SprintFunc()
	h.levelColor = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	buf.WriteString(h.dim(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(" | ")

	colorize, ok := h.levelColor[r.Level]
	if !ok {
		colorize = h.levelColor[slog.LevelError]
	}
	buf.WriteString(colorize(fmt.Sprintf("%-7s", r.Level.String())))
	buf.WriteString(" | ")

	buf.WriteString(r.Message)

	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, attr := range h.attrs {
		addAttr(attrs, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		addAttr(attrs, attr)
		return true
	})
	if len(attrs) > 0 {
		encoded, err := json.Marshal(attrs)
		if err != nil {
			encoded = fmt.Appendf(nil, "(unencodable attributes: %v)", err)
		}
		buf.WriteString(" | ")
		buf.WriteString(h.dim(string(encoded)))
	}

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; this handler is for terminal reading, not
	// machine parsing.
	return h
}

func addAttr(attrs map[string]any, attr slog.Attr) {
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindTime:
		attrs[attr.Key] = value.Time().Format(time.RFC3339)
	case slog.KindDuration:
		attrs[attr.Key] = value.Duration().String()
	case slog.KindGroup:
		nested := make(map[string]any)
		for _, groupAttr := range value.Group() {
			addAttr(nested, groupAttr)
		}
		if len(nested) > 0 {
			attrs[attr.Key] = nested
		}
	default:
		attrs[attr.Key] = value.Any()
	}
}
