package sound

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ConsoleSpeaker prints utterances instead of playing them. It is used when
// no audio device is available.
type ConsoleSpeaker struct {
	mu     sync.Mutex
	w      io.Writer
	name   string
	nextID uint64
}

var _ Player = (*ConsoleSpeaker)(nil)

func NewConsoleSpeaker(w io.Writer, name string) *ConsoleSpeaker {
	return &ConsoleSpeaker{w: w, name: name}
}

func (c *ConsoleSpeaker) Speak(ctx context.Context, text string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	_, cancel := context.WithCancel(ctx)
	h := newHandle(c.nextID, text, cancel)

	_, err := fmt.Fprintf(c.w, "%s: %s\n", c.name, text)
	if err == nil {
		h.audible.Store(true)
	}
	h.finish(err)
	return h
}

func (c *ConsoleSpeaker) Cancel(h *Handle) {}
