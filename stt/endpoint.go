package stt

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// EndpointConfig controls when an utterance is considered complete.
type EndpointConfig struct {
	// Silence is how long after the last stable segment the speaker must stay
	// quiet before the utterance is closed.
	Silence time.Duration
	// ContinuationExtension is added to Silence when the pending text ends in
	// a word that usually continues a sentence.
	ContinuationExtension time.Duration
}

func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Silence:               1200 * time.Millisecond,
		ContinuationExtension: 1200 * time.Millisecond,
	}
}

// Endpointer turns backend results into recognition events. It owns the
// silence timer: the timer is armed by a stable segment, pushed back by new
// interim text or voice activity, and closes the utterance when it fires.
// A backend end-of-utterance signal closes it immediately.
type Endpointer struct {
	cfg EndpointConfig

	committed []string
	partial   string
	timer     *time.Timer
}

func NewEndpointer(cfg EndpointConfig) *Endpointer {
	if cfg.Silence <= 0 {
		cfg.Silence = DefaultEndpointConfig().Silence
	}
	return &Endpointer{cfg: cfg}
}

// Run consumes results and voice activity ticks until results is closed or
// ctx is done, then closes events. Pending text is flushed as a final event
// when results closes.
func (e *Endpointer) Run(ctx context.Context, results <-chan Result, voice <-chan struct{}, events chan<- Event) {
	defer close(events)
	defer e.disarm()

	var timerC <-chan time.Time
	emit := func(ev Event) bool {
		ev.ReceivedAt = time.Now()
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	flush := func() bool {
		text := e.pending()
		e.committed = nil
		e.partial = ""
		e.disarm()
		timerC = nil
		if text == "" {
			return true
		}
		return emit(Event{Text: text, IsFinal: true})
	}
	arm := func() {
		e.disarm()
		e.timer = time.NewTimer(e.window())
		timerC = e.timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case res, ok := <-results:
			if !ok {
				flush()
				return
			}
			text := strings.TrimSpace(res.Text)
			switch {
			case text != "" && res.Stable:
				e.committed = append(e.committed, text)
				e.partial = ""
				arm()
				if !emit(Event{Text: e.pending()}) {
					return
				}
			case text != "":
				e.partial = text
				if timerC != nil {
					arm()
				}
				if !emit(Event{Text: e.pending()}) {
					return
				}
			}
			if res.EndOfUtterance && !flush() {
				return
			}

		case <-voice:
			if timerC != nil {
				arm()
			}

		case <-timerC:
			if !flush() {
				return
			}
		}
	}
}

func (e *Endpointer) pending() string {
	parts := e.committed
	if e.partial != "" {
		parts = append(parts[:len(parts):len(parts)], e.partial)
	}
	return strings.Join(parts, " ")
}

func (e *Endpointer) window() time.Duration {
	if isContinuationLikely(e.pending()) {
		return e.cfg.Silence + e.cfg.ContinuationExtension
	}
	return e.cfg.Silence
}

func (e *Endpointer) disarm() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// continuationWords end a clause that the speaker is likely to continue.
var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "so": {}, "because": {}, "since": {},
	"if": {}, "when": {}, "while": {}, "although": {}, "though": {}, "unless": {},
	"until": {}, "then": {}, "also": {}, "plus": {}, "like": {},
	"um": {}, "uh": {}, "erm": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
	"the": {}, "a": {}, "an": {}, "my": {}, "our": {},
}

func isContinuationLikely(text string) bool {
	fields := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
	if len(fields) == 0 {
		return false
	}
	// Punctuated endings from smart formatting are complete sentences.
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "!") {
		return false
	}
	_, ok := continuationWords[strings.ToLower(fields[len(fields)-1])]
	return ok
}
