// Package logger installs a colored terminal slog handler used by the
// Beacon server binary. Output goes to stderr; log retention is the
// process supervisor's problem.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Handler renders records as single colored lines:
//
//	2006-01-02T15:04:05 | INFO  | message key=value
//
// The mutex is shared by every handler derived via WithAttrs so all
// writers to the same output serialize on one lock.
type Handler struct {
	mu    *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
	level slog.Level
}

// NewHandler creates a Handler writing to out at the given minimum level.
func NewHandler(out io.Writer, level slog.Level) *Handler {
	return &Handler{mu: &sync.Mutex{}, out: out, level: level}
}

// Init installs a colored handler on stderr as the slog default. Debug
// mode lowers the minimum level to slog.LevelDebug.
func Init(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(NewHandler(os.Stderr, level)))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	line := fmt.Sprintf("%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		r.Message,
	)
	for _, attr := range h.attrs {
		line += color.CyanString(" %s=%v", attr.Key, attr.Value)
	}
	r.Attrs(func(attr slog.Attr) bool {
		line += color.CyanString(" %s=%v", attr.Key, attr.Value)
		return true
	})
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line)
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{mu: h.mu, out: h.out, attrs: merged, level: h.level}
}

func (h *Handler) WithGroup(string) slog.Handler {
	// Groups are flattened; the terminal format has no nesting.
	return h
}
