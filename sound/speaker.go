package sound

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/logger"
	"github.com/d1nch8g/interviewer/tts"
)

const drainPoll = 20 * time.Millisecond

// Speaker synthesizes text and queues it on an Output.
type Speaker struct {
	synth tts.Synthesizer
	out   Output
	log   *zap.SugaredLogger

	// mu serializes queue writes against Cancel, so once Cancel returns no
	// audio of the cancelled handle can reach the queue.
	mu     sync.Mutex
	active *Handle
	nextID uint64
}

var _ Player = (*Speaker)(nil)

func NewSpeaker(synth tts.Synthesizer, out Output, log *zap.SugaredLogger) *Speaker {
	log = logger.OrNop(log)
	if synth.SampleRate() != out.SampleRate() {
		log.Warnw("synthesis and output sample rates differ",
			"synth", synth.SampleRate(), "output", out.SampleRate())
	}
	return &Speaker{synth: synth, out: out, log: log}
}

func (s *Speaker) Speak(ctx context.Context, text string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.cancelLocked(s.active)
	}
	s.nextID++
	playCtx, cancel := context.WithCancel(ctx)
	h := newHandle(s.nextID, text, cancel)
	h.startPlayed = s.out.Played()
	s.active = h

	go s.play(playCtx, h)
	return h
}

func (s *Speaker) Cancel(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(h)
}

func (s *Speaker) cancelLocked(h *Handle) {
	if h.finished() || h.cancelled.Load() {
		return
	}
	h.cancelled.Store(true)
	h.cancel()
	if s.out.Played() > h.startPlayed {
		h.audible.Store(true)
	}
	if s.active == h {
		s.out.Reset()
		s.active = nil
	}
	s.log.Debugw("playback cancelled", "handle", h.id)
}

func (s *Speaker) play(ctx context.Context, h *Handle) {
	audioData := make(chan []byte, 16)
	synthErr := make(chan error, 1)
	go func() {
		synthErr <- s.synth.Synthesize(ctx, h.text, audioData)
	}()

	var queued bool
	for pcm := range audioData {
		for len(pcm) > 0 {
			n, stop := s.enqueue(h, pcm)
			if stop {
				s.finish(h, nil)
				return
			}
			if n > 0 {
				queued = true
			}
			pcm = pcm[n:]
			if len(pcm) > 0 && !s.wait(ctx) {
				s.finish(h, nil)
				return
			}
		}
	}

	if err := <-synthErr; err != nil {
		if h.Cancelled() || errors.Is(err, context.Canceled) {
			s.finish(h, nil)
			return
		}
		s.log.Errorw("synthesis failed", "handle", h.id, "error", err)
		s.finish(h, err)
		return
	}

	// Synthesis is complete; wait for the device to play what is queued.
	for queued && s.out.Buffered() > 0 {
		if !s.wait(ctx) {
			break
		}
	}
	s.finish(h, nil)
}

// enqueue writes under the lock; stop is true once h is cancelled.
func (s *Speaker) enqueue(h *Handle, pcm []byte) (n int, stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Cancelled() || s.active != h {
		return 0, true
	}
	n, err := s.out.Write(pcm)
	if err != nil {
		s.log.Debugw("playback queue write", "handle", h.id, "error", err)
	}
	return n, false
}

func (s *Speaker) wait(ctx context.Context) bool {
	t := time.NewTimer(drainPoll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Speaker) finish(h *Handle, err error) {
	s.mu.Lock()
	// A cancelled handle was measured when it was cancelled.
	if !h.Cancelled() && s.out.Played() > h.startPlayed {
		h.audible.Store(true)
	}
	if s.active == h {
		// A failed utterance must not keep playing once its handle is done.
		if err != nil {
			s.out.Reset()
		}
		s.active = nil
	}
	s.mu.Unlock()
	h.finish(err)
}
