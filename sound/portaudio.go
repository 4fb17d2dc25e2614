package sound

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/logger"
)

type PlayerConfig struct {
	SampleRate      float64
	FramesPerBuffer int
	OutputChannels  int
	QueueBytes      int
}

func GetDefaultConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate:      22050,
		FramesPerBuffer: 1024,
		OutputChannels:  1,
		QueueBytes:      1 << 20,
	}
}

// PortaudioOutput plays a Queue on the default output device. The device
// callback pulls from the queue, so Reset silences it within one buffer.
type PortaudioOutput struct {
	*Queue

	config PlayerConfig
	log    *zap.SugaredLogger

	mu      sync.Mutex
	stream  *portaudio.Stream
	scratch []byte
}

func NewPortaudioOutput(config PlayerConfig, log *zap.SugaredLogger) *PortaudioOutput {
	if config.OutputChannels == 0 {
		config.OutputChannels = 1
	}
	if config.QueueBytes == 0 {
		config.QueueBytes = GetDefaultConfig().QueueBytes
	}
	return &PortaudioOutput{
		Queue:  NewQueue(config.QueueBytes, int(config.SampleRate)),
		config: config,
		log:    logger.OrNop(log),
	}
}

// Open initializes portaudio and starts the output stream.
func (p *PortaudioOutput) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return errors.New("output already open")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(
		0,
		p.config.OutputChannels,
		p.config.SampleRate,
		p.config.FramesPerBuffer,
		p.callback,
	)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	p.stream = stream
	return nil
}

// callback runs on the audio thread.
func (p *PortaudioOutput) callback(out []int16) {
	frames := len(out) / p.config.OutputChannels
	if cap(p.scratch) < frames*2 {
		p.scratch = make([]byte, frames*2)
	}
	buf := p.scratch[:frames*2]
	p.Drain(buf)

	// Mono source is copied to every output channel.
	for i := 0; i < frames; i++ {
		s := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		for c := 0; c < p.config.OutputChannels; c++ {
			out[i*p.config.OutputChannels+c] = s
		}
	}
}

func (p *PortaudioOutput) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}
	p.Reset()
	if err := p.stream.Stop(); err != nil {
		p.log.Warnw("failed to stop output stream", "error", err)
	}
	err := p.stream.Close()
	p.stream = nil
	portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("failed to close output stream: %w", err)
	}
	return nil
}
