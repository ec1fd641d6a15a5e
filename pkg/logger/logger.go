// Package logger builds the slog loggers used by lettuce.
//
// Terminal output is colored by level: warnings in yellow, errors in red and
// detection results in green. Colors are dropped automatically when the
// destination is not a terminal.
package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/soundprediction/lettuce/pkg/config"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// highlighted INFO messages containing one of these words are shown in green.
var highlightWords = []string{"hallucinat", "model loaded", "listening"}

// ColorHandler is a text handler that colors whole records by level.
type ColorHandler struct {
	inner slog.Handler
	buf   *bytes.Buffer
	out   io.Writer
	mu    *sync.Mutex
	color bool
}

// NewColorHandler creates a ColorHandler writing to w. Colors are enabled only
// when w is a terminal.
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	buf := &bytes.Buffer{}
	return &ColorHandler{
		inner: slog.NewTextHandler(buf, opts),
		buf:   buf,
		out:   w,
		mu:    &sync.Mutex{},
		color: IsTerminal(w),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Enabled implements slog.Handler
func (h *ColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	color := h.colorFor(r)
	if color == "" {
		_, err := h.out.Write(h.buf.Bytes())
		return err
	}

	line := bytes.TrimRight(h.buf.Bytes(), "\n")
	out := make([]byte, 0, len(line)+len(color)+len(colorReset)+1)
	out = append(out, color...)
	out = append(out, line...)
	out = append(out, colorReset...)
	out = append(out, '\n')
	_, err := h.out.Write(out)
	return err
}

func (h *ColorHandler) colorFor(r slog.Record) string {
	if !h.color {
		return ""
	}
	switch {
	case r.Level >= slog.LevelError:
		return colorRed
	case r.Level >= slog.LevelWarn:
		return colorYellow
	case r.Level == slog.LevelInfo:
		msg := strings.ToLower(r.Message)
		for _, w := range highlightWords {
			if strings.Contains(msg, w) {
				return colorGreen
			}
		}
	}
	return ""
}

// WithAttrs implements slog.Handler
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	return &c
}

// WithGroup implements slog.Handler
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.inner = h.inner.WithGroup(name)
	return &c
}

// NewDefaultLogger creates a colored logger on stderr at the given level.
func NewDefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown
// values select info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger from the log section of the configuration.
// Format is one of color (default), text or json.
func New(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(NewColorHandler(w, opts))
	}
}
