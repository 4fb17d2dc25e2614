package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

const (
	DefaultDeepgramVoice = "aura-asteria-en"
	deepgramEncoding     = "linear16"
)

type DeepgramConfig struct {
	APIKey string
	Model  string
	// SampleRate is requested from Deepgram, so no resampling is needed.
	SampleRate int
	// Host overrides api.deepgram.com.
	Host string
	// StartTimeout bounds the wait for the first audio of an utterance.
	StartTimeout time.Duration
	// IdleTimeout ends an utterance that stopped sending audio without
	// acknowledging the flush.
	IdleTimeout time.Duration
}

// speakClient is the part of the SDK websocket client the synthesizer uses.
type speakClient interface {
	Connect() bool
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

// DeepgramSynthesizer streams Aura speech as raw linear16 over the Deepgram
// speak websocket, one connection per utterance.
type DeepgramSynthesizer struct {
	config DeepgramConfig
	dial   func(ctx context.Context, cb *speakCallback) (speakClient, error)
}

var _ Synthesizer = (*DeepgramSynthesizer)(nil)

func NewDeepgramSynthesizer(config DeepgramConfig) *DeepgramSynthesizer {
	if config.Model == "" {
		config.Model = DefaultDeepgramVoice
	}
	if config.SampleRate == 0 {
		config.SampleRate = GetDefaultSynthesisOptions().SampleRate
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = 10 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 2 * time.Second
	}
	d := &DeepgramSynthesizer{config: config}
	d.dial = d.dialWebsocket
	return d
}

func (d *DeepgramSynthesizer) speakOptions() *clientinterfaces.WSSpeakOptions {
	return &clientinterfaces.WSSpeakOptions{
		Model:      d.config.Model,
		Encoding:   deepgramEncoding,
		SampleRate: d.config.SampleRate,
	}
}

func (d *DeepgramSynthesizer) dialWebsocket(ctx context.Context, cb *speakCallback) (speakClient, error) {
	client, err := speak.NewWSUsingCallback(ctx, d.config.APIKey,
		&clientinterfaces.ClientOptions{Host: d.config.Host}, d.speakOptions(), cb)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *DeepgramSynthesizer) SampleRate() int { return d.config.SampleRate }

func (d *DeepgramSynthesizer) Close() error { return nil }

// Synthesize sends text, flushes and forwards audio until Deepgram confirms
// the flush.
func (d *DeepgramSynthesizer) Synthesize(ctx context.Context, text string, audioData chan<- []byte) error {
	defer close(audioData)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cb := newSpeakCallback()
	defer cb.release()

	client, err := d.dial(ctx, cb)
	if err != nil {
		return fmt.Errorf("%w: failed to create speak client: %v", ErrSynthesisFailure, err)
	}
	defer client.Stop()

	if !client.Connect() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to connect to deepgram", ErrSynthesisFailure)
	}
	if err := client.SpeakWithText(text); err != nil {
		return fmt.Errorf("%w: failed to send text: %v", ErrSynthesisFailure, err)
	}
	if err := client.Flush(); err != nil {
		return fmt.Errorf("%w: failed to flush: %v", ErrSynthesisFailure, err)
	}

	forward := func(pcm []byte) error {
		select {
		case audioData <- pcm:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Callbacks arrive in order, so every chunk before the flush
	// acknowledgement is already buffered.
	drain := func() error {
		for {
			select {
			case pcm := <-cb.audio:
				if err := forward(pcm); err != nil {
					return err
				}
			default:
				return nil
			}
		}
	}

	timer := time.NewTimer(d.config.StartTimeout)
	defer timer.Stop()
	var received bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pcm := <-cb.audio:
			if err := forward(pcm); err != nil {
				return err
			}
			received = true
			timer.Reset(d.config.IdleTimeout)

		case <-cb.flushed:
			return drain()

		case err := <-cb.errs:
			select {
			case <-cb.flushed:
				return drain()
			default:
			}
			return fmt.Errorf("%w: %v", ErrSynthesisFailure, err)

		case <-timer.C:
			if received {
				return nil
			}
			return fmt.Errorf("%w: no audio from deepgram within %s", ErrSynthesisFailure, d.config.StartTimeout)
		}
	}
}

// speakCallback receives SDK events on the client's reader goroutine.
type speakCallback struct {
	audio   chan []byte
	flushed chan struct{}
	errs    chan error
	done    chan struct{}

	flushOnce sync.Once
	doneOnce  sync.Once
}

func newSpeakCallback() *speakCallback {
	return &speakCallback{
		audio:   make(chan []byte, 64),
		flushed: make(chan struct{}),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// release unblocks a reader stuck handing over audio nobody will read.
func (s *speakCallback) release() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *speakCallback) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	select {
	case s.audio <- bytes.Clone(data):
	case <-s.done:
	}
	return nil
}

func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	s.flushOnce.Do(func() { close(s.flushed) })
	return nil
}

func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	s.fail(fmt.Errorf("deepgram error: %+v", e))
	return nil
}

func (s *speakCallback) Close(*msginterfaces.CloseResponse) error {
	s.fail(errors.New("connection closed by deepgram"))
	return nil
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
