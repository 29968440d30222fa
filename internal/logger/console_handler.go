package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// consoleOut is shared by a ConsoleHandler and every handler derived from it
// so that prefix and record reach the writer as one line.
type consoleOut struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

// ConsoleHandler is the interactive console handler. Each line starts with
// the level in color; lines relayed from the backend (records carrying a
// "stream" attribute) are tagged with the stream name. The rest of the line
// is plain slog text output.
type ConsoleHandler struct {
	slog.Handler
	out *consoleOut
}

// NewConsoleHandler returns a ConsoleHandler writing to w.
func NewConsoleHandler(w io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	out := &consoleOut{w: w}
	return &ConsoleHandler{Handler: slog.NewTextHandler(&out.buf, opts), out: out}
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	prefix := color + r.Level.String() + ansiReset + "  "
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "stream" {
			prefix += ansiDim + "[backend " + a.Value.String() + "]" + ansiReset + " "
			return false
		}
		return true
	})

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.buf.Reset()
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}
	if _, err := io.WriteString(h.out.w, prefix); err != nil {
		return err
	}
	_, err := h.out.w.Write(h.out.buf.Bytes())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ConsoleHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out}
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return &ConsoleHandler{Handler: h.Handler.WithGroup(name), out: h.out}
}
