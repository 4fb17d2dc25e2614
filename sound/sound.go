package sound

import (
	"context"
	"sync"
	"sync/atomic"
)

// Player speaks agent text. At most one Handle is active; Speak cancels the
// previous one before starting.
type Player interface {
	Speak(ctx context.Context, text string) *Handle

	// Cancel stops the handle's audio before returning. Cancelling a finished
	// or already cancelled handle does nothing.
	Cancel(h *Handle)
}

// Output is an audio device fed from a queue of 16-bit mono PCM.
type Output interface {
	// Write queues as much of pcm as fits without blocking.
	Write(pcm []byte) (int, error)

	// Buffered is the number of queued bytes not yet played.
	Buffered() int

	// Played is the total number of bytes the device has consumed.
	Played() uint64

	// Reset discards everything queued.
	Reset()

	SampleRate() int
}

// Handle is one in-flight utterance.
type Handle struct {
	id   uint64
	text string

	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc

	startPlayed uint64
	cancelled   atomic.Bool
	audible     atomic.Bool
	err         error
}

func newHandle(id uint64, text string, cancel context.CancelFunc) *Handle {
	return &Handle{id: id, text: text, done: make(chan struct{}), cancel: cancel}
}

func (h *Handle) ID() uint64   { return h.id }
func (h *Handle) Text() string { return h.text }

// Done is closed once playback has completed, failed or been cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancelled reports whether the handle was cancelled before completing.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Audible reports whether any of the utterance reached the device.
func (h *Handle) Audible() bool { return h.audible.Load() }

// Err is the synthesis error, if any. Valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) finish(err error) {
	h.doneOnce.Do(func() {
		h.err = err
		h.cancel()
		close(h.done)
	})
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
