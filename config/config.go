package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration of one interview process.
type Config struct {
	IamToken string `mapstructure:"iam_token"`
	FolderID string `mapstructure:"folder_id"`

	Session    SessionConfig    `mapstructure:"session"`
	Audio      AudioConfig      `mapstructure:"audio"`
	STT        STTConfig        `mapstructure:"stt"`
	LLM        LLMConfig        `mapstructure:"llm"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Playback   PlaybackConfig   `mapstructure:"playback"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Engine     EngineConfig     `mapstructure:"engine"`
	UI         UIConfig         `mapstructure:"ui"`
	Log        LogConfig        `mapstructure:"log"`
}

// SessionConfig describes the interview. It is immutable once a session starts.
type SessionConfig struct {
	JobID         string        `mapstructure:"job_id"`
	CandidateID   string        `mapstructure:"candidate_id"`
	CandidateName string        `mapstructure:"candidate_name"`
	JobTitle      string        `mapstructure:"job_title"`
	CompanyName   string        `mapstructure:"company_name"`
	AgentName     string        `mapstructure:"agent_name"`
	Duration      time.Duration `mapstructure:"duration"`
	Greeting      bool          `mapstructure:"greeting"`
}

type AudioConfig struct {
	SampleRate int           `mapstructure:"sample_rate"`
	Chunk      time.Duration `mapstructure:"chunk"`
	Channels   int           `mapstructure:"channels"`
}

type STTConfig struct {
	Provider              string        `mapstructure:"provider"`
	Language              string        `mapstructure:"language"`
	DeepgramKey           string        `mapstructure:"deepgram_key"`
	DeepgramModel         string        `mapstructure:"deepgram_model"`
	Endpointing           time.Duration `mapstructure:"endpointing"`
	ContinuationExtension time.Duration `mapstructure:"continuation_extension"`
	VoiceRMS              float64       `mapstructure:"voice_rms"`
	ReconnectAttempts     uint64        `mapstructure:"reconnect_attempts"`
	ReconnectBackoff      time.Duration `mapstructure:"reconnect_backoff"`
	OfflineTimeout        time.Duration `mapstructure:"offline_timeout"`
}

type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	GroqKey        string        `mapstructure:"groq_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	MaxHistory     int           `mapstructure:"max_history"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Fallback       string        `mapstructure:"fallback"`
}

type TTSConfig struct {
	Provider      string  `mapstructure:"provider"`
	Voice         string  `mapstructure:"voice"`
	Speed         float64 `mapstructure:"speed"`
	DeepgramKey   string  `mapstructure:"deepgram_key"`
	DeepgramModel string  `mapstructure:"deepgram_model"`
}

type PlaybackConfig struct {
	SampleRate      int `mapstructure:"sample_rate"`
	FramesPerBuffer int `mapstructure:"frames_per_buffer"`
	QueueBytes      int `mapstructure:"queue_bytes"`
}

type TranscriptConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	SupabaseURL   string `mapstructure:"supabase_url"`
	SupabaseKey   string `mapstructure:"supabase_key"`
	Table         string `mapstructure:"table"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	QueueSize     int    `mapstructure:"queue_size"`
}

type EngineConfig struct {
	CommitPolicy    string `mapstructure:"commit_policy"`
	BargeInMinWords int    `mapstructure:"barge_in_min_words"`
}

type UIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

var defaults = map[string]any{
	"iam_token":                     "",
	"folder_id":                     "",
	"session.job_id":                "",
	"session.candidate_id":          "",
	"session.candidate_name":        "there",
	"session.job_title":             "Software Engineer",
	"session.company_name":          "our company",
	"session.agent_name":            "Sarah",
	"session.duration":              15 * time.Minute,
	"session.greeting":              true,
	"audio.sample_rate":             16000,
	"audio.chunk":                   250 * time.Millisecond,
	"audio.channels":                1,
	"stt.provider":                  "yandex",
	"stt.language":                  "en-US",
	"stt.deepgram_key":              "",
	"stt.deepgram_model":            "nova-2",
	"stt.endpointing":               1200 * time.Millisecond,
	"stt.continuation_extension":    1200 * time.Millisecond,
	"stt.voice_rms":                 250.0,
	"stt.reconnect_attempts":        3,
	"stt.reconnect_backoff":         250 * time.Millisecond,
	"stt.offline_timeout":           30 * time.Second,
	"llm.provider":                  "yandex",
	"llm.model":                     "",
	"llm.groq_key":                  "",
	"llm.base_url":                  "",
	"llm.temperature":               0.7,
	"llm.max_tokens":                150,
	"llm.max_history":               20,
	"llm.attempt_timeout":           20 * time.Second,
	"llm.retry_delay":               500 * time.Millisecond,
	"llm.fallback":                  "Got it, thanks. Let's continue. Could you tell me a bit more about that?",
	"tts.provider":                  "yandex",
	"tts.voice":                     "marina",
	"tts.speed":                     1.0,
	"tts.deepgram_key":              "",
	"tts.deepgram_model":            "aura-asteria-en",
	"playback.sample_rate":          22050,
	"playback.frames_per_buffer":    1024,
	"playback.queue_bytes":          1 << 20,
	"transcript.driver":             "memory",
	"transcript.dsn":                "",
	"transcript.supabase_url":       "",
	"transcript.supabase_key":       "",
	"transcript.table":              "interview_transcripts",
	"transcript.redis_addr":         "localhost:6379",
	"transcript.redis_password":     "",
	"transcript.queue_size":         64,
	"engine.commit_policy":          "always",
	"engine.barge_in_min_words":     1,
	"ui.enabled":                    true,
	"ui.addr":                       ":8080",
	"log.debug":                     false,
}

// LoadConfig reads .env (if present), interviewer.yaml (if present) and the
// environment, in increasing order of precedence.
func LoadConfig() (*Config, error) {
	// A missing .env is fine: the environment may already be populated.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("interviewer")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by the original command line tool.
	_ = v.BindEnv("folder_id", "FOLDER_ID", "GPT_FOLDER_ID")
	_ = v.BindEnv("stt.deepgram_key", "STT_DEEPGRAM_KEY", "DEEPGRAM_API_KEY")
	_ = v.BindEnv("tts.deepgram_key", "TTS_DEEPGRAM_KEY", "DEEPGRAM_API_KEY")
	_ = v.BindEnv("llm.groq_key", "LLM_GROQ_KEY", "GROQ_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks provider names, durations and the credentials the selected
// providers need.
func (c *Config) Validate() error {
	var errs []error

	if c.Session.Duration <= 0 {
		errs = append(errs, errors.New("session.duration must be positive"))
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Chunk <= 0 {
		errs = append(errs, errors.New("audio.sample_rate and audio.chunk must be positive"))
	}
	if c.STT.Endpointing <= 0 {
		errs = append(errs, errors.New("stt.endpointing must be positive"))
	}

	yandex := false
	switch c.STT.Provider {
	case "yandex":
		yandex = true
	case "deepgram":
		if c.STT.DeepgramKey == "" {
			errs = append(errs, errors.New("stt.deepgram_key is required for the deepgram provider"))
		}
	case "text":
	default:
		errs = append(errs, fmt.Errorf("unknown stt.provider %q", c.STT.Provider))
	}

	switch c.LLM.Provider {
	case "yandex":
		yandex = true
	case "groq":
		if c.LLM.GroqKey == "" {
			errs = append(errs, errors.New("llm.groq_key is required for the groq provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}

	switch c.TTS.Provider {
	case "yandex":
		yandex = true
	case "deepgram":
		if c.TTS.DeepgramKey == "" {
			errs = append(errs, errors.New("tts.deepgram_key is required for the deepgram provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tts.provider %q", c.TTS.Provider))
	}

	if yandex && (c.IamToken == "" || c.FolderID == "") {
		errs = append(errs, errors.New("IAM_TOKEN and FOLDER_ID must be set for yandex providers"))
	}

	switch c.Transcript.Driver {
	case "memory":
	case "mysql":
		if c.Transcript.DSN == "" {
			errs = append(errs, errors.New("transcript.dsn is required for the mysql driver"))
		}
	case "supabase":
		if c.Transcript.SupabaseURL == "" || c.Transcript.SupabaseKey == "" {
			errs = append(errs, errors.New("transcript.supabase_url and transcript.supabase_key are required"))
		}
	case "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown transcript.driver %q", c.Transcript.Driver))
	}

	switch c.Engine.CommitPolicy {
	case "always", "audible":
	default:
		errs = append(errs, fmt.Errorf("unknown engine.commit_policy %q", c.Engine.CommitPolicy))
	}

	return errors.Join(errs...)
}
