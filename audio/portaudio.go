package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/logger"
)

type Config struct {
	SampleRate      float64
	FramesPerBuffer int
	InputChannels   int
}

func GetDefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FramesPerBuffer: FramesPerChunk(16000, 250*time.Millisecond),
		InputChannels:   1,
	}
}

// PortaudioCapture reads the default input device in fixed-size chunks.
type PortaudioCapture struct {
	config Config
	log    *zap.SugaredLogger

	mu          sync.Mutex
	stream      *portaudio.Stream
	audioBuffer []int16
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool

	paused atomic.Bool

	errMu sync.Mutex
	err   error
}

var _ Capture = (*PortaudioCapture)(nil)

func NewPortaudioCapture(config Config, log *zap.SugaredLogger) *PortaudioCapture {
	if config.InputChannels == 0 {
		config.InputChannels = 1
	}
	return &PortaudioCapture{
		config:      config,
		log:         logger.OrNop(log),
		audioBuffer: make([]int16, config.FramesPerBuffer*config.InputChannels),
	}
}

func (a *PortaudioCapture) Open(ctx context.Context) (<-chan Chunk, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream != nil {
		return nil, errors.New("capture already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize portaudio: %v", ErrDeviceUnavailable, err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: no default input device: %v", ErrDeviceUnavailable, err)
	}

	stream, err := portaudio.OpenDefaultStream(
		a.config.InputChannels,
		0,
		a.config.SampleRate,
		a.config.FramesPerBuffer,
		a.audioBuffer,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to start input stream: %v", ErrDeviceUnavailable, err)
	}

	a.stream = stream
	a.closed = false
	a.setErr(nil)
	captureCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	chunks := make(chan Chunk, 16)
	go a.capture(captureCtx, stream, chunks)
	return chunks, nil
}

const (
	// maxReadErrors consecutive failed reads mean the device is gone.
	maxReadErrors = 10
	readRetry     = 50 * time.Millisecond
)

func (a *PortaudioCapture) capture(ctx context.Context, stream *portaudio.Stream, chunks chan<- Chunk) {
	defer close(a.done)
	defer stream.Stop()
	a.run(ctx, stream.Read, chunks)
}

// run reads chunks until ctx ends or the device fails. On failure chunks is
// closed and Err reports ErrDeviceUnavailable.
func (a *PortaudioCapture) run(ctx context.Context, read func() error, chunks chan<- Chunk) {
	defer close(chunks)

	var seq uint64
	var failures int
	for ctx.Err() == nil {
		if err := read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				a.log.Debugw("input overflowed", "seq", seq)
			} else {
				failures++
				if failures >= maxReadErrors {
					a.log.Errorw("audio input lost", "error", err, "attempts", failures)
					a.setErr(fmt.Errorf("%w: read failed %d times: %v", ErrDeviceUnavailable, failures, err))
					return
				}
				a.log.Warnw("error reading audio", "error", err, "attempt", failures)
				select {
				case <-time.After(readRetry):
				case <-ctx.Done():
					return
				}
				continue
			}
		}
		failures = 0
		if a.paused.Load() {
			continue
		}

		chunk := Chunk{
			Seq:        seq,
			Data:       EncodePCM16(a.audioBuffer),
			SampleRate: int(a.config.SampleRate),
			CapturedAt: time.Now(),
		}
		seq++

		// Blocking send keeps capture order and drops nothing; the chunk
		// duration bounds how long the device waits on a slow reader.
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

func (a *PortaudioCapture) setErr(err error) {
	a.errMu.Lock()
	a.err = err
	a.errMu.Unlock()
}

// Err returns why capture stopped on its own, or nil.
func (a *PortaudioCapture) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *PortaudioCapture) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream == nil || a.closed {
		return nil
	}
	a.closed = true
	a.cancel()
	<-a.done

	err := a.stream.Close()
	a.stream = nil
	portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("failed to close input stream: %w", err)
	}
	return nil
}

func (a *PortaudioCapture) Pause()       { a.paused.Store(true) }
func (a *PortaudioCapture) Resume()      { a.paused.Store(false) }
func (a *PortaudioCapture) Paused() bool { return a.paused.Load() }
