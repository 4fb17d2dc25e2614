package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/audio"
	"github.com/d1nch8g/interviewer/logger"
)

type StreamConfig struct {
	Endpoint EndpointConfig
	// VoiceRMS is the amplitude above which a chunk counts as speech and
	// pushes back a pending endpoint. Zero disables the check.
	VoiceRMS float64
	// ReconnectAttempts bounds quick reconnects before the stream is marked
	// offline.
	ReconnectAttempts uint64
	ReconnectBackoff  time.Duration
	// OfflineTimeout is how long an offline stream keeps retrying before it
	// gives up with ErrConnectionLost.
	OfflineTimeout time.Duration
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Endpoint:          DefaultEndpointConfig(),
		VoiceRMS:          250,
		ReconnectAttempts: 3,
		ReconnectBackoff:  250 * time.Millisecond,
		OfflineTimeout:    30 * time.Second,
	}
}

const (
	linkBuffer     = 64
	maxBackoff     = 4 * time.Second
	offlineBackoff = 2 * time.Second
)

// Stream is a recognition stream over a Backend. It forwards capture chunks
// in order, endpoints the backend results into events and reconnects when
// the backend connection drops.
type Stream struct {
	backend Backend
	cfg     StreamConfig
	log     *zap.SugaredLogger

	status chan ConnStatus

	mu      sync.Mutex
	current ConnStatus
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	failure error
}

func NewStream(backend Backend, cfg StreamConfig, log *zap.SugaredLogger) *Stream {
	def := DefaultStreamConfig()
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = def.OfflineTimeout
	}
	return &Stream{
		backend: backend,
		cfg:     cfg,
		log:     logger.OrNop(log),
		status:  make(chan ConnStatus, 8),
		done:    make(chan struct{}),
	}
}

// Start begins transcribing chunks. The returned channel is closed when the
// stream ends; Err reports why. A nil chunks channel is allowed for backends
// that do not consume audio.
func (s *Stream) Start(ctx context.Context, chunks <-chan audio.Chunk) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New("recognition stream already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	link := make(chan audio.Chunk, linkBuffer)
	voice := make(chan struct{}, 1)
	results := make(chan Result, 64)
	events := make(chan Event, 16)

	go s.pump(ctx, chunks, link, voice)
	go NewEndpointer(s.cfg.Endpoint).Run(ctx, results, voice, events)
	go s.connect(ctx, link, results)

	return events, nil
}

// Status delivers connection status changes.
func (s *Stream) Status() <-chan ConnStatus {
	return s.status
}

// Err returns the reason the stream ended, or nil for a clean end.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the stream and waits for the connection to be released. It is
// safe to call more than once and before Start.
func (s *Stream) Stop() error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-s.done
	return nil
}

func (s *Stream) pump(ctx context.Context, chunks <-chan audio.Chunk, link chan<- audio.Chunk, voice chan<- struct{}) {
	defer close(link)
	if chunks == nil {
		<-ctx.Done()
		return
	}

	var dropped int
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				// Capture closes chunks on its own only when the device fails.
				if ctx.Err() == nil {
					s.abort(fmt.Errorf("%w: capture stopped", audio.ErrDeviceUnavailable))
				}
				return
			}
			if s.cfg.VoiceRMS > 0 && audio.RMS(c.Data) >= s.cfg.VoiceRMS {
				select {
				case voice <- struct{}{}:
				default:
				}
			}
			select {
			case link <- c:
				if dropped > 0 {
					s.log.Infow("audio forwarding resumed", "dropped_chunks", dropped)
					dropped = 0
				}
			default:
				// Only happens while no connection is draining the link.
				dropped++
				if dropped == 1 {
					s.log.Warnw("recognition link full, dropping audio", "seq", c.Seq)
				}
			}
		}
	}
}

func (s *Stream) connect(ctx context.Context, link <-chan audio.Chunk, results chan<- Result) {
	defer close(s.done)
	defer close(results)

	err := s.run(ctx, link, results)
	if err != nil {
		s.setStatus(Offline)
		s.log.Errorw("recognition stream stopped", "error", err)
	}
	s.mu.Lock()
	if s.failure != nil {
		err = s.failure
	}
	s.err = err
	s.mu.Unlock()
}

// abort ends the stream with err.
func (s *Stream) abort(err error) {
	s.log.Errorw("recognition stream aborted", "error", err)
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
}

func (s *Stream) backoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.ReconnectBackoff)
	b = retry.WithCappedDuration(maxBackoff, b)
	return retry.WithMaxRetries(s.cfg.ReconnectAttempts, b)
}

func (s *Stream) run(ctx context.Context, link <-chan audio.Chunk, results chan<- Result) error {
	backoff := s.backoff()
	var offlineSince time.Time

	for {
		conn, err := s.backend.Dial(ctx)
		if err == nil {
			s.setStatus(Online)
			offlineSince = time.Time{}
			backoff = s.backoff()

			err = conn.Run(ctx, link, results)
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warnw("recognition connection failed", "error", err)

		delay, stop := backoff.Next()
		if stop {
			if offlineSince.IsZero() {
				offlineSince = time.Now()
				s.setStatus(Offline)
			}
			if time.Since(offlineSince) >= s.cfg.OfflineTimeout {
				if errors.Is(err, ErrConnectionLost) {
					return err
				}
				return fmt.Errorf("%w: %w", ErrConnectionLost, err)
			}
			delay = offlineBackoff
		} else {
			s.setStatus(Reconnecting)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Stream) setStatus(status ConnStatus) {
	s.mu.Lock()
	changed := s.current != status
	s.current = status
	s.mu.Unlock()
	if !changed {
		return
	}

	s.log.Infow("recognition connection status", "status", status)
	select {
	case s.status <- status:
	default:
		s.log.Warnw("status listener is behind, dropping update", "status", status)
	}
}
