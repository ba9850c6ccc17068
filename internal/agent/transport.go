package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
)

const defaultMaxLineSize = 16 * 1024 * 1024

// Transport carries one JSON document per line over a process's stdio.
// A Transport is bound to a single process instance.
type Transport struct {
	mu sync.Mutex
	w  io.Writer

	r       *bufio.Reader
	maxLine int
	logger  *log.Logger
}

// NewTransport wraps the read side r (the agent's stdout) and the write side
// w (the agent's stdin). maxLine <= 0 selects the default limit.
func NewTransport(r io.Reader, w io.Writer, maxLine int, logger *log.Logger) *Transport {
	if maxLine <= 0 {
		maxLine = defaultMaxLineSize
	}
	return &Transport{
		w:       w,
		r:       bufio.NewReaderSize(r, 64*1024),
		maxLine: maxLine,
		logger:  logger,
	}
}

type flusher interface {
	Flush() error
}

// WriteLine writes text followed by a newline and returns once the write has
// completed. Concurrent calls never interleave.
func (t *Transport) WriteLine(text []byte) error {
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	buf = append(buf, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	if f, ok := t.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush line: %w", err)
		}
	}
	return nil
}

// Lines yields every protocol line read from the agent until EOF or until ctx
// is cancelled. Blank lines and lines that do not open a JSON value are
// dropped silently; oversized or malformed JSON lines are logged and dropped.
// The sequence can only be consumed once.
func (t *Transport) Lines(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			if ctx.Err() != nil {
				return
			}

			line, size, err := t.readLine()
			if size > t.maxLine {
				t.logger.Warn("dropping oversized line", "bytes", size, "limit", t.maxLine)
			} else if len(line) > 0 {
				if doc, ok := t.accept(line); ok {
					if !yield(doc) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					t.logger.Warn("read failed", "error", err)
				}
				return
			}
		}
	}
}

// readLine reads up to the next newline. size is the full length of the
// line without the newline; once it passes maxLine the rest of the line is
// discarded as it arrives and line is nil.
func (t *Transport) readLine() ([]byte, int, error) {
	var line []byte
	size := 0
	for {
		frag, err := t.r.ReadSlice('\n')
		more := errors.Is(err, bufio.ErrBufferFull)
		if !more {
			frag = bytes.TrimSuffix(frag, []byte{'\n'})
		}
		size += len(frag)
		if size <= t.maxLine {
			line = append(line, frag...)
		} else {
			line = nil
		}
		if !more {
			return line, size, err
		}
	}
}

func (t *Transport) accept(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || (line[0] != '{' && line[0] != '[') {
		return nil, false
	}
	if !gjson.ValidBytes(line) {
		t.logger.Warn("dropping malformed line", "line", truncateForLog(string(line), 200))
		return nil, false
	}
	return line, true
}

func truncateForLog(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
