package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// LineWriter re-logs every complete line written to it at a fixed level and
// optionally copies the raw bytes to a sink (typically a rotating file).
// Partial trailing data is held until the next newline or Close.
type LineWriter struct {
	mu     sync.Mutex
	log    *slog.Logger
	level  slog.Level
	stream string
	sink   io.WriteCloser
	buf    bytes.Buffer
}

// NewLineWriter returns a LineWriter logging through l. sink may be nil.
func NewLineWriter(l *slog.Logger, level slog.Level, stream string, sink io.WriteCloser) *LineWriter {
	if l == nil {
		l = slog.Default()
	}
	return &LineWriter{log: l, level: level, stream: stream, sink: sink}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sink != nil {
		if _, err := w.sink.Write(p); err != nil {
			w.log.Warn("backend log sink write failed", "stream", w.stream, "error", err)
		}
	}
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line, put it back
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Close flushes any partial line and closes the sink.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	if w.sink != nil {
		err := w.sink.Close()
		w.sink = nil
		return err
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	msg := string(bytes.TrimRight(line, "\r\n"))
	if msg == "" {
		return
	}
	w.log.Log(context.Background(), w.level, msg, "stream", w.stream)
}
