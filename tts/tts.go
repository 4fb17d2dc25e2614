package tts

import (
	"context"
	"errors"
)

// ErrSynthesisFailure is returned when text cannot be converted to audio.
var ErrSynthesisFailure = errors.New("speech synthesis failed")

// Synthesizer defines the interface for text-to-speech synthesis
type Synthesizer interface {
	// Synthesize streams 16-bit little-endian mono PCM for text into
	// audioData at SampleRate and closes audioData when it returns.
	Synthesize(ctx context.Context, text string, audioData chan<- []byte) error

	// SampleRate is the rate of the PCM written by Synthesize.
	SampleRate() int

	Close() error
}

// SynthesisOptions represents the configuration for speech synthesis
type SynthesisOptions struct {
	Voice      string
	Speed      float64
	Volume     float64
	Model      string
	SampleRate int
}

func GetDefaultSynthesisOptions() SynthesisOptions {
	return SynthesisOptions{
		Voice:      "marina",
		Speed:      1.0,
		SampleRate: 22050,
	}
}
