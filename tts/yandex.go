package tts

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	tts "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"
)

const (
	YandexTTSEndpoint = "tts.api.cloud.yandex.net:443"
)

type YandexConfig struct {
	// ApiKey takes precedence over IamToken when both are set.
	ApiKey   string
	IamToken string
	FolderID string
	Options  SynthesisOptions
}

type YandexSynthesizer struct {
	client   tts.SynthesizerClient
	conn     *grpc.ClientConn
	auth     string
	folderID string
	options  SynthesisOptions
}

// Ensure YandexSynthesizer implements Synthesizer interface
var _ Synthesizer = (*YandexSynthesizer)(nil)

func NewYandexSynthesizer(config YandexConfig) (*YandexSynthesizer, error) {
	creds := credentials.NewTLS(&tls.Config{})
	conn, err := grpc.NewClient(YandexTTSEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS service: %w", err)
	}

	auth := "Bearer " + config.IamToken
	if config.ApiKey != "" {
		auth = "Api-Key " + config.ApiKey
	}
	options := config.Options
	if options.SampleRate == 0 {
		options.SampleRate = GetDefaultSynthesisOptions().SampleRate
	}

	return &YandexSynthesizer{
		client:   tts.NewSynthesizerClient(conn),
		conn:     conn,
		auth:     auth,
		folderID: config.FolderID,
		options:  options,
	}, nil
}

func (c *YandexSynthesizer) SampleRate() int { return c.options.SampleRate }

func (c *YandexSynthesizer) Synthesize(ctx context.Context, text string, audioData chan<- []byte) error {
	defer close(audioData)

	ctx = metadata.AppendToOutgoingContext(ctx,
		"authorization", c.auth,
		"x-folder-id", c.folderID,
	)

	stream, err := c.client.UtteranceSynthesis(ctx, buildRequest(text, c.options))
	if err != nil {
		return fmt.Errorf("%w: failed to start synthesis: %v", ErrSynthesisFailure, err)
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: failed to receive audio data: %v", ErrSynthesisFailure, err)
		}

		if data := resp.GetAudioChunk().GetData(); len(data) > 0 {
			select {
			case audioData <- data:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func buildRequest(text string, options SynthesisOptions) *tts.UtteranceSynthesisRequest {
	hints := []*tts.Hints{}
	if options.Voice != "" {
		hints = append(hints, &tts.Hints{Hint: &tts.Hints_Voice{Voice: options.Voice}})
	}
	if options.Speed != 0 {
		hints = append(hints, &tts.Hints{Hint: &tts.Hints_Speed{Speed: options.Speed}})
	}
	if options.Volume != 0 {
		hints = append(hints, &tts.Hints{Hint: &tts.Hints_Volume{Volume: options.Volume}})
	}

	return &tts.UtteranceSynthesisRequest{
		Model:     options.Model,
		Utterance: &tts.UtteranceSynthesisRequest_Text{Text: text},
		Hints:     hints,
		// Raw PCM goes to the output device without a container parser.
		OutputAudioSpec: &tts.AudioFormatOptions{
			AudioFormat: &tts.AudioFormatOptions_RawAudio{
				RawAudio: &tts.RawAudio{
					AudioEncoding:   tts.RawAudio_LINEAR16_PCM,
					SampleRateHertz: int64(options.SampleRate),
				},
			},
		},
		LoudnessNormalizationType: tts.UtteranceSynthesisRequest_LUFS,
	}
}

func (c *YandexSynthesizer) Close() error {
	return c.conn.Close()
}
