package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/audio"
	"github.com/d1nch8g/interviewer/logger"
)

const (
	deepgramListenURL = "wss://api.deepgram.com/v1/listen"
	deepgramKeepAlive = 5 * time.Second
	deepgramDrainWait = 3 * time.Second
)

type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	// Endpointing is the server-side silence before speech_final is set.
	Endpointing time.Duration
	// URL overrides the listen endpoint.
	URL string
}

// DeepgramBackend streams audio to Deepgram live transcription.
type DeepgramBackend struct {
	config DeepgramConfig
	dialer websocket.Dialer
	log    *zap.SugaredLogger
}

var _ Backend = (*DeepgramBackend)(nil)

func NewDeepgramBackend(config DeepgramConfig, log *zap.SugaredLogger) *DeepgramBackend {
	if config.URL == "" {
		config.URL = deepgramListenURL
	}
	if config.Model == "" {
		config.Model = "nova-2"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	return &DeepgramBackend{
		config: config,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logger.OrNop(log),
	}
}

func (d *DeepgramBackend) Close() error { return nil }

func (d *DeepgramBackend) listenURL() string {
	params := url.Values{}
	params.Set("model", d.config.Model)
	if d.config.Language != "" {
		params.Set("language", d.config.Language)
	}
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("smart_format", "true")
	params.Set("filler_words", "true")
	if ms := d.config.Endpointing.Milliseconds(); ms > 0 {
		params.Set("endpointing", strconv.FormatInt(ms, 10))
		// utterance_end_ms has a server-side floor of one second.
		params.Set("utterance_end_ms", strconv.FormatInt(max(ms, 1000), 10))
	}
	return d.config.URL + "?" + params.Encode()
}

func (d *DeepgramBackend) Dial(ctx context.Context) (Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.config.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, d.listenURL(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: deepgram handshake failed with status %d: %v", ErrConnectionLost, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: failed to connect to deepgram: %v", ErrConnectionLost, err)
	}
	return &deepgramConn{conn: conn, log: d.log}, nil
}

type deepgramConn struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger

	writeMu sync.Mutex
}

type deepgramMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// parseDeepgramMessage maps one server message to results.
func parseDeepgramMessage(data []byte) ([]Result, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode deepgram message: %w", err)
	}

	switch msg.Type {
	case "Results":
		var out []Result
		if len(msg.Channel.Alternatives) > 0 {
			if text := msg.Channel.Alternatives[0].Transcript; text != "" {
				out = append(out, Result{Text: text, Stable: msg.IsFinal})
			}
		}
		if msg.SpeechFinal {
			out = append(out, Result{EndOfUtterance: true})
		}
		return out, nil
	case "UtteranceEnd":
		return []Result{{EndOfUtterance: true}}, nil
	default:
		return nil, nil
	}
}

func (c *deepgramConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *deepgramConn) Run(ctx context.Context, chunks <-chan audio.Chunk, results chan<- Result) error {
	defer c.conn.Close()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.read(ctx, results)
	}()

	keepAlive := time.NewTicker(deepgramKeepAlive)
	defer keepAlive.Stop()
	lastAudio := time.Now()

	for {
		select {
		case <-ctx.Done():
			_ = c.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-keepAlive.C:
			if time.Since(lastAudio) < deepgramKeepAlive {
				continue
			}
			if err := c.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return fmt.Errorf("%w: keepalive failed: %v", ErrConnectionLost, err)
			}

		case chunk, ok := <-chunks:
			if !ok {
				if err := c.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
					return fmt.Errorf("%w: %v", ErrConnectionLost, err)
				}
				t := time.NewTimer(deepgramDrainWait)
				defer t.Stop()
				select {
				case err := <-readErr:
					return err
				case <-t.C:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := c.write(websocket.BinaryMessage, chunk.Data); err != nil {
				return fmt.Errorf("%w: failed to send audio chunk %d: %v", ErrConnectionLost, chunk.Seq, err)
			}
			lastAudio = time.Now()
		}
	}
}

func (c *deepgramConn) read(ctx context.Context, results chan<- Result) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		parsed, err := parseDeepgramMessage(data)
		if err != nil {
			c.log.Warnw("skipping deepgram message", "error", err)
			continue
		}
		for _, res := range parsed {
			select {
			case results <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
