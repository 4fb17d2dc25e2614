package stt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/d1nch8g/interviewer/audio"
)

// TextBackend treats each line of a reader as one complete utterance. It
// stands in for a recognizer when no microphone is available.
//
// End of input ends the stream cleanly. The engine then answers the turn in
// flight before it finishes the session.
type TextBackend struct {
	once      sync.Once
	closeOnce sync.Once
	lines     chan string
	closed    chan struct{}
	done      chan struct{}
	err       error
	r         io.Reader
}

var _ Backend = (*TextBackend)(nil)

func NewTextBackend(r io.Reader) *TextBackend {
	return &TextBackend{
		r:      r,
		lines:  make(chan string),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Close stops delivering lines. A reader blocked in Read (a terminal) is not
// interrupted, but its next line is discarded.
func (t *TextBackend) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Dial starts the line reader once; later dials share it.
func (t *TextBackend) Dial(ctx context.Context) (Conn, error) {
	t.once.Do(func() {
		go t.scan()
	})
	return textConn{t}, nil
}

func (t *TextBackend) scan() {
	defer close(t.done)
	defer close(t.lines)
	scanner := bufio.NewScanner(t.r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case t.lines <- line:
		case <-t.closed:
			return
		}
	}
	t.err = scanner.Err()
}

type textConn struct{ t *TextBackend }

func (c textConn) Run(ctx context.Context, _ <-chan audio.Chunk, results chan<- Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-c.t.lines:
			if !ok {
				<-c.t.done
				if c.t.err != nil {
					return fmt.Errorf("failed to read input: %w", c.t.err)
				}
				return nil
			}
			for _, res := range []Result{{Text: line, Stable: true}, {EndOfUtterance: true}} {
				select {
				case results <- res:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
