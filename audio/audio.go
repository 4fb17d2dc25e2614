package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// ErrDeviceUnavailable is returned when microphone permission is denied or no
// input device exists.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// Chunk is a fixed-duration block of 16-bit little-endian mono PCM.
type Chunk struct {
	Seq        uint64
	Data       []byte
	SampleRate int
	CapturedAt time.Time
}

// Capture defines the interface for microphone capture implementations
type Capture interface {
	// Open acquires the device and starts delivering chunks in capture order.
	// The channel is closed when capture stops.
	Open(ctx context.Context) (<-chan Chunk, error)

	// Close stops capture and releases the device. It is idempotent.
	Close() error

	// Pause keeps the device open but stops delivering chunks (mic mute).
	Pause()

	// Resume undoes Pause.
	Resume()

	// Paused reports whether the microphone is muted.
	Paused() bool
}

// FramesPerChunk returns the number of samples in one chunk of the given
// duration.
func FramesPerChunk(sampleRate int, chunk time.Duration) int {
	n := int(int64(sampleRate) * int64(chunk) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// EncodePCM16 converts samples to little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 converts little-endian bytes to samples. A trailing odd byte is
// ignored.
func DecodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// RMS returns the root mean square amplitude of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
