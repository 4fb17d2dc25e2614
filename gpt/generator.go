package gpt

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/logger"
)

// Exchange is one completed candidate/agent pair from the conversation.
type Exchange struct {
	Candidate string
	Agent     string
}

// Prompt is the input for one generation.
type Prompt struct {
	// Greeting is the opening line already spoken, if any.
	Greeting  string
	History   []Exchange
	Utterance string
}

type GeneratorConfig struct {
	// MaxHistory is the number of most recent exchanges sent to the model.
	MaxHistory     int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	Retries        uint64
}

func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxHistory:     20,
		AttemptTimeout: 20 * time.Second,
		RetryDelay:     500 * time.Millisecond,
		Retries:        1,
	}
}

// Generator produces the agent's next utterance.
type Generator struct {
	completer Completer
	persona   Persona
	config    GeneratorConfig
	log       *zap.SugaredLogger
}

func NewGenerator(completer Completer, persona Persona, config GeneratorConfig, log *zap.SugaredLogger) *Generator {
	def := DefaultGeneratorConfig()
	if config.MaxHistory <= 0 {
		config.MaxHistory = def.MaxHistory
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Millisecond
	}
	return &Generator{
		completer: completer,
		persona:   persona,
		config:    config,
		log:       logger.OrNop(log),
	}
}

func (g *Generator) Persona() Persona { return g.persona }

// Messages builds the chat: system prompt, greeting, the most recent
// history, then the new utterance.
func (g *Generator) Messages(p Prompt) []Message {
	history := p.History
	if len(history) > g.config.MaxHistory {
		history = history[len(history)-g.config.MaxHistory:]
	}

	messages := make([]Message, 0, 3+2*len(history))
	messages = append(messages, Message{Role: RoleSystem, Text: g.persona.SystemPrompt()})
	if p.Greeting != "" {
		messages = append(messages, Message{Role: RoleAssistant, Text: p.Greeting})
	}
	for _, ex := range history {
		messages = append(messages,
			Message{Role: RoleUser, Text: ex.Candidate},
			Message{Role: RoleAssistant, Text: ex.Agent},
		)
	}
	return append(messages, Message{Role: RoleUser, Text: p.Utterance})
}

// Generate requests a completion, retrying a failed attempt once. The error
// wraps ErrGenerationUnavailable unless ctx itself ended.
func (g *Generator) Generate(ctx context.Context, p Prompt) (string, error) {
	messages := g.Messages(p)

	var (
		reply   string
		attempt int
	)
	backoff := retry.WithMaxRetries(g.config.Retries, retry.NewConstant(g.config.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, g.config.AttemptTimeout)
		defer cancel()

		start := time.Now()
		text, err := g.completer.Complete(attemptCtx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			g.log.Warnw("completion attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		g.log.Debugw("completion received", "attempt", attempt, "latency", time.Since(start))
		reply = text
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	return reply, nil
}
