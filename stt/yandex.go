package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"

	"github.com/d1nch8g/interviewer/audio"
	"github.com/d1nch8g/interviewer/logger"
)

const yandexSTTEndpoint = "stt.api.cloud.yandex.net:443"

type YandexConfig struct {
	IamToken   string
	FolderID   string
	Language   string
	SampleRate int64
	// MaxPause is passed to the server-side end-of-utterance classifier.
	MaxPause time.Duration
}

// YandexBackend streams audio to SpeechKit v3.
type YandexBackend struct {
	client speechkit.RecognizerClient
	conn   *grpc.ClientConn
	config YandexConfig
	log    *zap.SugaredLogger
}

var _ Backend = (*YandexBackend)(nil)

func NewYandexBackend(config YandexConfig, log *zap.SugaredLogger) (*YandexBackend, error) {
	tlsConfig := &tls.Config{}
	conn, err := grpc.NewClient(yandexSTTEndpoint, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Yandex STT: %w", err)
	}

	return &YandexBackend{
		client: speechkit.NewRecognizerClient(conn),
		conn:   conn,
		config: config,
		log:    logger.OrNop(log),
	}, nil
}

func (s *YandexBackend) Close() error {
	return s.conn.Close()
}

func (s *YandexBackend) Dial(ctx context.Context) (Conn, error) {
	md := metadata.Pairs(
		"authorization", "Bearer "+s.config.IamToken,
		"x-folder-id", s.config.FolderID,
	)
	ctx = metadata.NewOutgoingContext(ctx, md)

	stream, err := s.client.RecognizeStreaming(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create streaming client: %v", ErrConnectionLost, err)
	}
	if err := stream.Send(s.sessionOptions()); err != nil {
		return nil, fmt.Errorf("%w: failed to send session options: %v", ErrConnectionLost, err)
	}
	return &yandexConn{stream: stream, log: s.log}, nil
}

func (s *YandexBackend) sessionOptions() *speechkit.StreamingRequest {
	maxPause := s.config.MaxPause
	if maxPause <= 0 {
		maxPause = DefaultEndpointConfig().Silence
	}

	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: &speechkit.StreamingOptions{
				RecognitionModel: &speechkit.RecognitionModelOptions{
					AudioFormat: &speechkit.AudioFormatOptions{
						AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
							RawAudio: &speechkit.RawAudio{
								AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
								SampleRateHertz:   s.config.SampleRate,
								AudioChannelCount: 1,
							},
						},
					},
					TextNormalization: &speechkit.TextNormalizationOptions{
						TextNormalization: speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
					},
					LanguageRestriction: &speechkit.LanguageRestrictionOptions{
						RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
						LanguageCode:    []string{s.config.Language},
					},
					AudioProcessingType: speechkit.RecognitionModelOptions_REAL_TIME,
				},
				EouClassifier: &speechkit.EouClassifierOptions{
					Classifier: &speechkit.EouClassifierOptions_DefaultClassifier{
						DefaultClassifier: &speechkit.DefaultEouClassifier{
							Type:                       speechkit.DefaultEouClassifier_DEFAULT,
							MaxPauseBetweenWordsHintMs: maxPause.Milliseconds(),
						},
					},
				},
			},
		},
	}
}

type yandexConn struct {
	stream speechkit.Recognizer_RecognizeStreamingClient
	log    *zap.SugaredLogger
}

func (c *yandexConn) Run(ctx context.Context, chunks <-chan audio.Chunk, results chan<- Result) error {
	recvErr := make(chan error, 1)
	go func() {
		recvErr <- c.receive(ctx, results)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-recvErr:
			return err

		case chunk, ok := <-chunks:
			if !ok {
				if err := c.stream.CloseSend(); err != nil {
					return fmt.Errorf("%w: %v", ErrConnectionLost, err)
				}
				// Wait for the server to flush the last results.
				select {
				case err := <-recvErr:
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			req := &speechkit.StreamingRequest{
				Event: &speechkit.StreamingRequest_Chunk{
					Chunk: &speechkit.AudioChunk{Data: chunk.Data},
				},
			}
			if err := c.stream.Send(req); err != nil {
				return fmt.Errorf("%w: failed to send audio chunk %d: %v", ErrConnectionLost, chunk.Seq, err)
			}
		}
	}
}

func (c *yandexConn) receive(ctx context.Context, results chan<- Result) error {
	for {
		resp, err := c.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		for _, res := range yandexResults(resp) {
			select {
			case results <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func yandexResults(resp *speechkit.StreamingResponse) []Result {
	var out []Result
	if partial := resp.GetPartial(); partial != nil {
		if text := firstAlternative(partial); text != "" {
			out = append(out, Result{Text: text})
		}
	}
	if final := resp.GetFinal(); final != nil {
		if text := firstAlternative(final); text != "" {
			out = append(out, Result{Text: text, Stable: true})
		}
	}
	if resp.GetEouUpdate() != nil {
		out = append(out, Result{EndOfUtterance: true})
	}
	return out
}

func firstAlternative(update *speechkit.AlternativeUpdate) string {
	for _, alternative := range update.GetAlternatives() {
		if text := alternative.GetText(); text != "" {
			return text
		}
	}
	return ""
}
