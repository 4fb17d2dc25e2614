package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func withCleanDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("IAM_TOKEN", "token")
	t.Setenv("FOLDER_ID", "folder")
}

func TestLoadConfig_Defaults(t *testing.T) {
	withCleanDir(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Duration != 15*time.Minute {
		t.Fatalf("expected 15m session, got %v", cfg.Session.Duration)
	}
	if cfg.STT.Endpointing != 1200*time.Millisecond {
		t.Fatalf("expected 1.2s endpointing, got %v", cfg.STT.Endpointing)
	}
	if cfg.Session.AgentName != "Sarah" {
		t.Fatalf("expected default agent name, got %q", cfg.Session.AgentName)
	}
	if cfg.Engine.CommitPolicy != "always" {
		t.Fatalf("expected always commit policy, got %q", cfg.Engine.CommitPolicy)
	}
	if cfg.IamToken != "token" || cfg.FolderID != "folder" {
		t.Fatalf("credentials not read from env: %+v", cfg)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	withCleanDir(t)
	t.Setenv("SESSION_DURATION", "10m")
	t.Setenv("SESSION_CANDIDATE_NAME", "Dana")
	t.Setenv("ENGINE_COMMIT_POLICY", "audible")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Duration != 10*time.Minute {
		t.Fatalf("expected 10m, got %v", cfg.Session.Duration)
	}
	if cfg.Session.CandidateName != "Dana" {
		t.Fatalf("expected Dana, got %q", cfg.Session.CandidateName)
	}
	if cfg.Engine.CommitPolicy != "audible" {
		t.Fatalf("expected audible, got %q", cfg.Engine.CommitPolicy)
	}
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	withCleanDir(t)
	yaml := "session:\n  job_title: Backend Engineer\n  company_name: Acme\n"
	if err := os.WriteFile(filepath.Join(".", "interviewer.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.JobTitle != "Backend Engineer" || cfg.Session.CompanyName != "Acme" {
		t.Fatalf("yaml not applied: %+v", cfg.Session)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown stt", func(c *Config) { c.STT.Provider = "whisper" }, "unknown stt.provider"},
		{"deepgram without key", func(c *Config) { c.STT.Provider = "deepgram" }, "stt.deepgram_key"},
		{"groq without key", func(c *Config) { c.LLM.Provider = "groq" }, "llm.groq_key"},
		{"no yandex creds", func(c *Config) { c.IamToken = "" }, "IAM_TOKEN"},
		{"bad policy", func(c *Config) { c.Engine.CommitPolicy = "never" }, "commit_policy"},
		{"mysql without dsn", func(c *Config) { c.Transcript.Driver = "mysql" }, "transcript.dsn"},
		{"zero duration", func(c *Config) { c.Session.Duration = 0 }, "session.duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func validConfig() Config {
	return Config{
		IamToken: "t",
		FolderID: "f",
		Session:  SessionConfig{Duration: time.Minute},
		Audio:    AudioConfig{SampleRate: 16000, Chunk: 250 * time.Millisecond},
		STT:      STTConfig{Provider: "yandex", Endpointing: time.Second},
		LLM:      LLMConfig{Provider: "yandex"},
		TTS:      TTSConfig{Provider: "yandex"},
		Transcript: TranscriptConfig{
			Driver: "memory",
		},
		Engine: EngineConfig{CommitPolicy: "always"},
	}
}

func TestDefaultsMatchConfigFields(t *testing.T) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		t.Fatalf("default keys without a config field: %v", err)
	}
}
