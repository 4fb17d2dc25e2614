package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/audio"
	"github.com/d1nch8g/interviewer/config"
	"github.com/d1nch8g/interviewer/engine"
	"github.com/d1nch8g/interviewer/gpt"
	"github.com/d1nch8g/interviewer/logger"
	"github.com/d1nch8g/interviewer/sound"
	"github.com/d1nch8g/interviewer/stt"
	"github.com/d1nch8g/interviewer/transcript"
	"github.com/d1nch8g/interviewer/tts"
	"github.com/d1nch8g/interviewer/ui"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog := logger.New(cfg.Log.Debug)
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Errorw("interview failed", "error", err)
		zlog.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	session := engine.Session{
		ID:            uuid.NewString(),
		JobID:         cfg.Session.JobID,
		CandidateID:   cfg.Session.CandidateID,
		CandidateName: cfg.Session.CandidateName,
		JobTitle:      cfg.Session.JobTitle,
		CompanyName:   cfg.Session.CompanyName,
	}
	log = log.With("session", session.ID)

	sink, err := newSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warnw("failed to close transcript sink", "error", err)
		}
	}()

	persona := gpt.Persona{
		AgentName:     cfg.Session.AgentName,
		CandidateName: cfg.Session.CandidateName,
		CompanyName:   cfg.Session.CompanyName,
		JobTitle:      cfg.Session.JobTitle,
	}
	generator := gpt.NewGenerator(newCompleter(cfg), persona, gpt.GeneratorConfig{
		MaxHistory:     cfg.LLM.MaxHistory,
		AttemptTimeout: cfg.LLM.AttemptTimeout,
		RetryDelay:     cfg.LLM.RetryDelay,
		Retries:        1,
	}, log)

	engineConfig := engine.Config{
		Session:         session,
		Duration:        cfg.Session.Duration,
		Fallback:        cfg.LLM.Fallback,
		CommitPolicy:    engine.CommitPolicy(cfg.Engine.CommitPolicy),
		BargeInMinWords: cfg.Engine.BargeInMinWords,
	}
	if cfg.Session.Greeting {
		engineConfig.Greeting = persona.Greeting()
	}

	textOnly := cfg.STT.Provider == "text"
	last, err := runSession(ctx, cfg, engineConfig, generator, sink, textOnly, log)
	if textOnly || !errors.Is(err, audio.ErrDeviceUnavailable) {
		return err
	}
	// A rerun reuses the session id, so it is only safe before any turn
	// was recorded.
	if last.Turns > 0 {
		fmt.Fprintln(os.Stderr, "The microphone stopped working. The interview has ended.")
		return err
	}
	log.Warnw("microphone unavailable, continuing in text-only mode", "error", err)
	fmt.Fprintln(os.Stderr, "No microphone found. Type your answers and press Enter.")
	_, err = runSession(ctx, cfg, engineConfig, generator, sink, true, log)
	return err
}

// runSession builds the audio or text-only pipeline around one engine and
// runs it to the end. It returns the engine's final snapshot.
func runSession(
	ctx context.Context,
	cfg *config.Config,
	engineConfig engine.Config,
	generator *gpt.Generator,
	sink transcript.Sink,
	textOnly bool,
	log *zap.SugaredLogger,
) (engine.Snapshot, error) {
	var (
		capture audio.Capture
		backend stt.Backend
		player  sound.Player
		err     error
	)

	if textOnly {
		backend = stt.NewTextBackend(os.Stdin)
		player = sound.NewConsoleSpeaker(os.Stdout, cfg.Session.AgentName)
	} else {
		capture = audio.NewPortaudioCapture(audio.Config{
			SampleRate:      float64(cfg.Audio.SampleRate),
			FramesPerBuffer: audio.FramesPerChunk(cfg.Audio.SampleRate, cfg.Audio.Chunk),
			InputChannels:   cfg.Audio.Channels,
		}, log)

		backend, err = newBackend(cfg, log)
		if err != nil {
			return engine.Snapshot{}, err
		}

		var closePlayer func()
		player, closePlayer, err = newPlayer(cfg, log)
		if err != nil {
			backend.Close()
			return engine.Snapshot{}, err
		}
		defer closePlayer()
	}
	defer backend.Close()

	stream := stt.NewStream(backend, stt.StreamConfig{
		Endpoint: stt.EndpointConfig{
			Silence:               cfg.STT.Endpointing,
			ContinuationExtension: cfg.STT.ContinuationExtension,
		},
		VoiceRMS:          cfg.STT.VoiceRMS,
		ReconnectAttempts: cfg.STT.ReconnectAttempts,
		ReconnectBackoff:  cfg.STT.ReconnectBackoff,
		OfflineTimeout:    cfg.STT.OfflineTimeout,
	}, log)

	e := engine.NewEngine(engineConfig, capture, stream, generator, player, sink, log)

	if cfg.UI.Enabled {
		hub := ui.NewHub()
		e.Observe(hub)
		server := ui.NewServer(cfg.UI.Addr, e, hub, log)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warnw("ui shutdown", "error", err)
			}
		}()
	}

	err = e.Run(ctx)
	return e.Snapshot(), err
}

func newBackend(cfg *config.Config, log *zap.SugaredLogger) (stt.Backend, error) {
	switch cfg.STT.Provider {
	case "deepgram":
		return stt.NewDeepgramBackend(stt.DeepgramConfig{
			APIKey:      cfg.STT.DeepgramKey,
			Model:       cfg.STT.DeepgramModel,
			Language:    cfg.STT.Language,
			SampleRate:  cfg.Audio.SampleRate,
			Endpointing: cfg.STT.Endpointing,
		}, log), nil
	default:
		return stt.NewYandexBackend(stt.YandexConfig{
			IamToken:   cfg.IamToken,
			FolderID:   cfg.FolderID,
			Language:   cfg.STT.Language,
			SampleRate: int64(cfg.Audio.SampleRate),
			MaxPause:   cfg.STT.Endpointing,
		}, log)
	}
}

func newCompleter(cfg *config.Config) gpt.Completer {
	switch cfg.LLM.Provider {
	case "groq":
		return gpt.NewGroqCompleter(gpt.GroqConfig{
			APIKey:      cfg.LLM.GroqKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
	default:
		return gpt.NewClient(gpt.YandexConfig{
			FolderID:    cfg.FolderID,
			IAMToken:    cfg.IamToken,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
	}
}

func newSynthesizer(cfg *config.Config) (tts.Synthesizer, error) {
	switch cfg.TTS.Provider {
	case "deepgram":
		return tts.NewDeepgramSynthesizer(tts.DeepgramConfig{
			APIKey:     cfg.TTS.DeepgramKey,
			Model:      cfg.TTS.DeepgramModel,
			SampleRate: cfg.Playback.SampleRate,
		}), nil
	default:
		return tts.NewYandexSynthesizer(tts.YandexConfig{
			IamToken: cfg.IamToken,
			FolderID: cfg.FolderID,
			Options: tts.SynthesisOptions{
				Voice:      cfg.TTS.Voice,
				Speed:      cfg.TTS.Speed,
				SampleRate: cfg.Playback.SampleRate,
			},
		})
	}
}

// newPlayer opens the speaker. Without an output device the agent's lines
// are printed instead.
func newPlayer(cfg *config.Config, log *zap.SugaredLogger) (sound.Player, func(), error) {
	synth, err := newSynthesizer(cfg)
	if err != nil {
		return nil, nil, err
	}

	out := sound.NewPortaudioOutput(sound.PlayerConfig{
		SampleRate:      float64(cfg.Playback.SampleRate),
		FramesPerBuffer: cfg.Playback.FramesPerBuffer,
		OutputChannels:  1,
		QueueBytes:      cfg.Playback.QueueBytes,
	}, log)
	if err := out.Open(); err != nil {
		log.Warnw("audio output unavailable, printing agent lines", "error", err)
		synth.Close()
		return sound.NewConsoleSpeaker(os.Stdout, cfg.Session.AgentName), func() {}, nil
	}

	closer := func() {
		if err := out.Close(); err != nil {
			log.Warnw("failed to close audio output", "error", err)
		}
		synth.Close()
	}
	return sound.NewSpeaker(synth, out, log), closer, nil
}

func newSink(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (transcript.Sink, error) {
	var sink transcript.Sink
	switch cfg.Transcript.Driver {
	case "mysql":
		db, err := transcript.OpenMySQL(cfg.Transcript.DSN)
		if err != nil {
			return nil, err
		}
		gs := transcript.NewGormSink(db, cfg.Transcript.Table)
		if err := gs.Migrate(ctx); err != nil {
			gs.Close()
			return nil, err
		}
		sink = gs
	case "supabase":
		ss, err := transcript.NewSupabaseSink(transcript.SupabaseConfig{
			URL:   cfg.Transcript.SupabaseURL,
			Key:   cfg.Transcript.SupabaseKey,
			Table: cfg.Transcript.Table,
		})
		if err != nil {
			return nil, err
		}
		sink = ss
	case "redis":
		rc := transcript.NewRedis(cfg.Transcript.RedisAddr, cfg.Transcript.RedisPassword)
		sink = transcript.NewRedisSink(rc, 7*24*time.Hour)
	default:
		sink = transcript.NewMemorySink()
	}
	log.Infow("transcript sink ready", "driver", cfg.Transcript.Driver)

	asyncConfig := transcript.DefaultAsyncConfig()
	asyncConfig.QueueSize = cfg.Transcript.QueueSize
	return transcript.NewAsync(sink, asyncConfig, log), nil
}
