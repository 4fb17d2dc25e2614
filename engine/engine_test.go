package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/d1nch8g/interviewer/audio"
	"github.com/d1nch8g/interviewer/gpt"
	"github.com/d1nch8g/interviewer/sound"
	"github.com/d1nch8g/interviewer/stt"
	"github.com/d1nch8g/interviewer/transcript"
	"github.com/d1nch8g/interviewer/tts"
)

const (
	sampleRate = 16000
	// 10ms of 16 kHz 16-bit mono.
	frameBytes = 320
	sessionID  = "sess-1"
)

type fakeRecognizer struct {
	events chan stt.Event
	status chan stt.ConnStatus

	mu      sync.Mutex
	stopped bool
	err     error
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{
		events: make(chan stt.Event, 16),
		status: make(chan stt.ConnStatus, 4),
	}
}

func (r *fakeRecognizer) Start(ctx context.Context, chunks <-chan audio.Chunk) (<-chan stt.Event, error) {
	return r.events, nil
}

func (r *fakeRecognizer) Status() <-chan stt.ConnStatus { return r.status }

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *fakeRecognizer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *fakeRecognizer) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *fakeRecognizer) interim(text string) {
	r.events <- stt.Event{Text: text, ReceivedAt: time.Now()}
}

func (r *fakeRecognizer) final(text string) {
	r.events <- stt.Event{Text: text, IsFinal: true, ReceivedAt: time.Now()}
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []gpt.Prompt
	reply   func(ctx context.Context, p gpt.Prompt) (string, error)
}

func replyWith(text string) *fakeGenerator {
	return &fakeGenerator{reply: func(context.Context, gpt.Prompt) (string, error) { return text, nil }}
}

func (g *fakeGenerator) Generate(ctx context.Context, p gpt.Prompt) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, p)
	reply := g.reply
	g.mu.Unlock()
	return reply(ctx, p)
}

func (g *fakeGenerator) calls() []gpt.Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gpt.Prompt(nil), g.prompts...)
}

// fakeSynth produces duration of real-time audio per utterance. With hold
// set it keeps the utterance open until release is closed.
type fakeSynth struct {
	duration time.Duration
	hold     bool
	silent   bool
	release  chan struct{}
	err      error

	mu     sync.Mutex
	spoken []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, audioData chan<- []byte) error {
	defer close(audioData)
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()

	if f.err != nil {
		return fmt.Errorf("%w: %w", tts.ErrSynthesisFailure, f.err)
	}
	if !f.silent {
		frames := int(f.duration / (10 * time.Millisecond))
		for i := 0; i < max(frames, 1); i++ {
			select {
			case audioData <- make([]byte, frameBytes):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if f.hold {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.release:
		}
	}
	return nil
}

func (f *fakeSynth) SampleRate() int { return sampleRate }
func (f *fakeSynth) Close() error    { return nil }

func (f *fakeSynth) utterances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

// recorder keeps every published snapshot.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Publish(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

// statuses returns the published statuses without consecutive repeats.
func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func (r *recorder) saw(status Status) bool {
	for _, s := range r.statuses() {
		if s == status {
			return true
		}
	}
	return false
}

type harness struct {
	t      *testing.T
	rec    *fakeRecognizer
	gen    *fakeGenerator
	synth  *fakeSynth
	queue  *sound.Queue
	sink   *transcript.MemorySink
	obs    *recorder
	engine *Engine
	errc   chan error
}

func newHarness(t *testing.T, cfg Config, gen *fakeGenerator, synth *fakeSynth) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	cfg.Session.ID = sessionID
	cfg.Session.JobID = "job-7"
	cfg.Session.CandidateID = "cand-3"

	h := &harness{
		t:     t,
		rec:   newFakeRecognizer(),
		gen:   gen,
		synth: synth,
		// Small enough that playback is paced by the device.
		queue: sound.NewQueue(16*frameBytes, sampleRate),
		sink:  transcript.NewMemorySink(),
		obs:   &recorder{},
		errc:  make(chan error, 1),
	}
	speaker := sound.NewSpeaker(synth, h.queue, log)
	h.engine = NewEngine(cfg, nil, h.rec, gen, speaker, h.sink, log)
	h.engine.Observe(h.obs)

	ctx, cancel := context.WithCancel(context.Background())
	go runDevice(ctx, h.queue)
	go func() { h.errc <- h.engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.engine.Done()
	})
	return h
}

// runDevice drains the queue in real time like a sound card.
func runDevice(ctx context.Context, q *sound.Queue) {
	buf := make([]byte, frameBytes)
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.Drain(buf)
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; statuses %v", what, h.obs.statuses())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitStatus(want Status) {
	h.t.Helper()
	h.waitFor(string(want), func() bool { return h.engine.Snapshot().Status == want })
}

func (h *harness) turns() []transcript.Turn {
	return h.sink.Turns(sessionID)
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatalf("Run did not return")
		return nil
	}
}

func hasSubsequence(got []Status, want ...Status) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestSingleTurnIsCommittedAndRecorded(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("Which of those systems are you proudest of?"),
		&fakeSynth{duration: 50 * time.Millisecond})
	h.waitStatus(StatusListening)

	h.rec.final("I have five years of experience in backend systems")
	h.waitFor("turn recorded", func() bool { return len(h.turns()) == 1 })
	h.waitStatus(StatusListening)

	if got := h.obs.statuses(); !hasSubsequence(got, StatusListening, StatusThinking, StatusSpeaking, StatusListening) {
		t.Errorf("statuses = %v", got)
	}

	turn := h.turns()[0]
	if turn.Seq != 1 || turn.CandidateText != "I have five years of experience in backend systems" ||
		turn.AgentText != "Which of those systems are you proudest of?" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.JobID != "job-7" || turn.CandidateID != "cand-3" || turn.Interrupted || turn.Incomplete {
		t.Errorf("turn metadata = %+v", turn)
	}

	snap := h.engine.Snapshot()
	if snap.LastAgentUtterance != "Which of those systems are you proudest of?" || snap.Turns != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if spoken := h.synth.utterances(); len(spoken) != 1 {
		t.Errorf("spoken = %v", spoken)
	}
}

func TestInterimEventsNeverStartATurn(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("unused"), &fakeSynth{})
	h.waitStatus(StatusListening)

	for _, text := range []string{"I", "I have", "I have worked", "I have worked on"} {
		h.rec.interim(text)
	}
	h.rec.final("   ")
	h.waitFor("live transcript", func() bool {
		return h.engine.Snapshot().LiveTranscript == "I have worked on"
	})
	time.Sleep(50 * time.Millisecond)

	if h.obs.saw(StatusThinking) {
		t.Errorf("interim events started a turn: %v", h.obs.statuses())
	}
	if n := len(h.gen.calls()); n != 0 {
		t.Errorf("generator called %d times", n)
	}
}

func TestBargeInCancelsPlayback(t *testing.T) {
	const reply = "That sounds great. Tell me about the hardest outage you handled and what you changed after it."
	h := newHarness(t, Config{}, replyWith(reply), &fakeSynth{duration: 4 * time.Second})
	h.waitStatus(StatusListening)

	h.rec.final("I mostly work on payments")
	h.waitStatus(StatusSpeaking)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	h.rec.interim("sorry, one more thing")
	h.waitStatus(StatusListening)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("barge-in took %v", elapsed)
	}

	// Nothing of the cancelled utterance may reach the device afterwards.
	time.Sleep(5 * time.Millisecond)
	played := h.queue.Played()
	time.Sleep(100 * time.Millisecond)
	if h.queue.Played() != played || h.queue.Buffered() != 0 {
		t.Errorf("audio kept playing after barge-in: %d -> %d, buffered %d",
			played, h.queue.Played(), h.queue.Buffered())
	}
	if played >= uint64(4*sampleRate*2) {
		t.Errorf("whole utterance played: %d bytes", played)
	}

	turns := h.turns()
	if len(turns) != 1 {
		t.Fatalf("turns = %+v", turns)
	}
	if !turns[0].Interrupted || turns[0].AgentText != reply {
		t.Errorf("interrupted turn = %+v", turns[0])
	}
}

func TestBackchannelDoesNotInterrupt(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Config{}, replyWith("Go on."),
		&fakeSynth{duration: 20 * time.Millisecond, hold: true, release: release})
	h.waitStatus(StatusListening)

	h.rec.final("I built a scheduler")
	h.waitStatus(StatusSpeaking)

	h.rec.interim("mm hmm")
	h.rec.interim("uh-huh.")
	time.Sleep(50 * time.Millisecond)
	if s := h.engine.Snapshot().Status; s != StatusSpeaking {
		t.Fatalf("backchannel interrupted the agent: %s", s)
	}

	close(release)
	h.waitFor("turn recorded", func() bool { return len(h.turns()) == 1 })
	if h.turns()[0].Interrupted {
		t.Errorf("turn marked interrupted")
	}
}

func TestFinalDuringSpeakingStartsNextTurn(t *testing.T) {
	gen := &fakeGenerator{reply: func(_ context.Context, p gpt.Prompt) (string, error) {
		return "Reply to: " + p.Utterance, nil
	}}
	h := newHarness(t, Config{}, gen, &fakeSynth{duration: 3 * time.Second})
	h.waitStatus(StatusListening)

	h.rec.final("first answer")
	h.waitStatus(StatusSpeaking)
	h.rec.final("actually let me add something")
	h.waitFor("second reply", func() bool { return len(h.synth.utterances()) == 2 })
	h.waitStatus(StatusSpeaking)
	h.rec.interim("right, thanks")
	h.waitFor("two turns", func() bool { return len(h.turns()) == 2 })

	calls := gen.calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	second := calls[1]
	if second.Utterance != "actually let me add something" {
		t.Errorf("second utterance = %q", second.Utterance)
	}
	if len(second.History) != 1 || second.History[0].Agent != "Reply to: first answer" {
		t.Errorf("second history = %+v", second.History)
	}
	turns := h.turns()
	if !turns[0].Interrupted || turns[1].Seq != 2 {
		t.Errorf("turns = %+v", turns)
	}
}

func TestTurnsHeardDuringThinkingAreQueued(t *testing.T) {
	unblock := make(chan struct{})
	gen := &fakeGenerator{reply: func(ctx context.Context, p gpt.Prompt) (string, error) {
		if p.Utterance == "first" {
			select {
			case <-unblock:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "ok " + p.Utterance, nil
	}}
	h := newHarness(t, Config{}, gen, &fakeSynth{duration: 20 * time.Millisecond})
	h.waitStatus(StatusListening)

	h.rec.final("first")
	h.waitStatus(StatusThinking)
	h.rec.final("second")
	h.rec.final("third")
	time.Sleep(20 * time.Millisecond)
	close(unblock)

	h.waitFor("two turns", func() bool { return len(h.turns()) == 2 })
	turns := h.turns()
	if turns[0].CandidateText != "first" || turns[0].AgentText != "ok first" {
		t.Errorf("turn 1 = %+v", turns[0])
	}
	if turns[1].CandidateText != "second third" {
		t.Errorf("turn 2 candidate = %q", turns[1].CandidateText)
	}
}

// timeoutCompleter never answers within the attempt timeout.
type timeoutCompleter struct {
	calls atomic.Int32
}

func (c *timeoutCompleter) Complete(ctx context.Context, _ []gpt.Message) (string, error) {
	c.calls.Add(1)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGenerationTimeoutSpeaksFallback(t *testing.T) {
	const fallback = "Got it, thanks. Let's continue."
	completer := &timeoutCompleter{}
	generator := gpt.NewGenerator(completer, gpt.Persona{AgentName: "Sarah"}, gpt.GeneratorConfig{
		AttemptTimeout: 20 * time.Millisecond,
		RetryDelay:     time.Millisecond,
		Retries:        1,
	}, zaptest.NewLogger(t).Sugar())

	log := zaptest.NewLogger(t).Sugar()
	rec := newFakeRecognizer()
	synth := &fakeSynth{duration: 20 * time.Millisecond}
	queue := sound.NewQueue(16*frameBytes, sampleRate)
	sink := transcript.NewMemorySink()
	e := NewEngine(Config{Session: Session{ID: sessionID}, Fallback: fallback},
		nil, rec, generator, sound.NewSpeaker(synth, queue, log), sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-e.Done()
	}()
	go runDevice(ctx, queue)
	go e.Run(ctx)

	rec.final("I prefer small teams")
	h := &harness{t: t, engine: e, obs: &recorder{}}
	h.waitFor("fallback turn", func() bool { return len(sink.Turns(sessionID)) == 1 })
	h.waitStatus(StatusListening)

	turn := sink.Turns(sessionID)[0]
	if turn.AgentText != fallback || !turn.Fallback {
		t.Errorf("turn = %+v", turn)
	}
	if n := completer.calls.Load(); n != 2 {
		t.Errorf("completer called %d times, want 2", n)
	}
	if spoken := synth.utterances(); len(spoken) != 1 || spoken[0] != fallback {
		t.Errorf("spoken = %v", spoken)
	}
	if snap := e.Snapshot(); !strings.Contains(snap.Error, gpt.ErrGenerationUnavailable.Error()) {
		t.Errorf("snapshot error = %q", snap.Error)
	}

	// The session carries on.
	rec.final("and remote work")
	h.waitFor("second turn", func() bool { return len(sink.Turns(sessionID)) == 2 })
}

func TestGenerationFailureWithoutFallbackCarriesText(t *testing.T) {
	var failed atomic.Bool
	gen := &fakeGenerator{reply: func(_ context.Context, p gpt.Prompt) (string, error) {
		if failed.CompareAndSwap(false, true) {
			return "", fmt.Errorf("%w: backend down", gpt.ErrGenerationUnavailable)
		}
		return "Thanks.", nil
	}}
	h := newHarness(t, Config{}, gen, &fakeSynth{duration: 20 * time.Millisecond})
	h.waitStatus(StatusListening)

	h.rec.final("my last role")
	h.waitFor("error surfaced", func() bool { return h.engine.Snapshot().Error != "" })
	h.waitStatus(StatusListening)
	if len(h.synth.utterances()) != 0 {
		t.Errorf("spoke after failure: %v", h.synth.utterances())
	}

	h.rec.final("was at a bank")
	h.waitFor("turn", func() bool { return len(h.turns()) == 1 })
	if got := h.turns()[0].CandidateText; got != "my last role was at a bank" {
		t.Errorf("candidate = %q", got)
	}
	if h.engine.Snapshot().Error != "" {
		t.Errorf("error not cleared after a good reply")
	}
}

func TestTimeoutWhileThinkingRecordsIncompleteTurn(t *testing.T) {
	var cancelled atomic.Bool
	gen := &fakeGenerator{reply: func(ctx context.Context, _ gpt.Prompt) (string, error) {
		<-ctx.Done()
		cancelled.Store(true)
		return "", ctx.Err()
	}}
	synth := &fakeSynth{}
	h := newHarness(t, Config{Duration: 200 * time.Millisecond}, gen, synth)
	h.waitStatus(StatusListening)

	h.rec.final("I was about to say something long")
	h.waitStatus(StatusThinking)

	if err := h.result(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if s := h.engine.Snapshot().Status; s != StatusEnded {
		t.Errorf("status = %s", s)
	}
	h.waitFor("generation cancelled", cancelled.Load)
	time.Sleep(20 * time.Millisecond)
	if len(synth.utterances()) != 0 {
		t.Errorf("spoke after the session ended: %v", synth.utterances())
	}

	turns := h.turns()
	if len(turns) != 1 {
		t.Fatalf("turns = %+v", turns)
	}
	if !turns[0].Incomplete || turns[0].AgentText != "" || turns[0].CandidateText != "I was about to say something long" {
		t.Errorf("incomplete turn = %+v", turns[0])
	}
	if h.engine.Snapshot().Turns != 0 {
		t.Errorf("incomplete turn entered history")
	}
	if !h.rec.wasStopped() {
		t.Errorf("recognizer not stopped")
	}
}

func TestTimeoutWhileSpeakingCommitsInterruptedTurn(t *testing.T) {
	h := newHarness(t, Config{Duration: 300 * time.Millisecond}, replyWith("A long question"),
		&fakeSynth{duration: 5 * time.Second})
	h.waitStatus(StatusListening)
	h.rec.final("hello")
	h.waitStatus(StatusSpeaking)

	if err := h.result(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	turns := h.turns()
	if len(turns) != 1 || !turns[0].Interrupted || turns[0].Incomplete || turns[0].AgentText != "A long question" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestCommitPolicyForUnheardReply(t *testing.T) {
	tests := []struct {
		name      string
		policy    CommitPolicy
		wantTurns []string
	}{
		{"always", CommitAlways, []string{"first", "second"}},
		{"audible", CommitAudible, []string{"first second"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)
			gen := &fakeGenerator{reply: func(_ context.Context, p gpt.Prompt) (string, error) {
				return "reply", nil
			}}
			// The first reply never produces audio before the interruption.
			synth := &fakeSynth{silent: true, hold: true, release: release}
			h := newHarness(t, Config{CommitPolicy: tt.policy}, gen, synth)
			h.waitStatus(StatusListening)

			h.rec.final("first")
			h.waitStatus(StatusSpeaking)
			h.rec.final("second")
			h.waitFor("second reply speaking", func() bool { return len(synth.utterances()) == 2 })
			h.waitStatus(StatusSpeaking)
			h.rec.interim("stop please")
			h.waitStatus(StatusListening)

			var got []string
			for _, turn := range h.turns() {
				got = append(got, turn.CandidateText)
			}
			if tt.policy == CommitAudible {
				// Nothing was heard yet, so nothing is committed.
				if len(got) != 0 {
					t.Fatalf("committed unheard turns: %v", got)
				}
				h.rec.final("okay")
				h.waitStatus(StatusSpeaking)
				calls := gen.calls()
				if last := calls[len(calls)-1].Utterance; last != "first second okay" {
					t.Errorf("carried utterance = %q", last)
				}
				return
			}
			if strings.Join(got, "|") != strings.Join(tt.wantTurns, "|") {
				t.Errorf("turns = %v, want %v", got, tt.wantTurns)
			}
		})
	}
}

func TestGreetingIsSpokenFirst(t *testing.T) {
	const greeting = "Hi Alex, thanks for joining. I'm Sarah."
	gen := replyWith("Great, let's begin.")
	synth := &fakeSynth{duration: 30 * time.Millisecond}
	h := newHarness(t, Config{Greeting: greeting}, gen, synth)

	h.waitStatus(StatusListening)
	if got := h.obs.statuses(); !hasSubsequence(got, StatusSpeaking, StatusListening) || h.obs.saw(StatusThinking) {
		t.Errorf("statuses = %v", got)
	}
	if spoken := synth.utterances(); len(spoken) != 1 || spoken[0] != greeting {
		t.Fatalf("spoken = %v", spoken)
	}
	if len(h.turns()) != 0 {
		t.Errorf("greeting recorded as a turn")
	}

	h.rec.final("Sure, ready")
	h.waitFor("turn", func() bool { return len(h.turns()) == 1 })
	if p := gen.calls()[0]; p.Greeting != greeting || len(p.History) != 0 {
		t.Errorf("prompt = %+v", p)
	}
}

func TestBargeInDuringGreeting(t *testing.T) {
	h := newHarness(t, Config{Greeting: "Hello and welcome to the interview"}, replyWith("ok"),
		&fakeSynth{duration: 3 * time.Second})
	h.waitStatus(StatusSpeaking)
	h.rec.interim("hi there")
	h.waitStatus(StatusListening)
	if len(h.turns()) != 0 {
		t.Errorf("turns = %+v", h.turns())
	}
}

func TestSynthesisFailureReturnsToListening(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("Can you elaborate?"),
		&fakeSynth{err: errors.New("voice not found")})
	h.waitStatus(StatusListening)

	h.rec.final("I like Go")
	h.waitFor("turn", func() bool { return len(h.turns()) == 1 })
	h.waitStatus(StatusListening)

	if snap := h.engine.Snapshot(); !strings.Contains(snap.Error, tts.ErrSynthesisFailure.Error()) {
		t.Errorf("snapshot error = %q", snap.Error)
	}
	if !h.obs.saw(StatusSpeaking) {
		t.Errorf("statuses = %v", h.obs.statuses())
	}
}

func TestEndCommand(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("ok"), &fakeSynth{})
	h.waitStatus(StatusListening)

	if err := h.engine.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := h.result(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if s := h.engine.Snapshot().Status; s != StatusEnded {
		t.Errorf("status = %s", s)
	}
	if err := h.engine.End(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("End after end = %v", err)
	}
	if _, err := h.engine.ToggleMic(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("ToggleMic after end = %v", err)
	}
}

func TestCommandsAfterEndAlwaysFail(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("ok"), &fakeSynth{})
	h.waitStatus(StatusListening)
	if err := h.engine.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := h.result(); err != nil {
		t.Fatalf("Run = %v", err)
	}

	for i := 0; i < 100; i++ {
		if err := h.engine.End(); !errors.Is(err, ErrSessionEnded) {
			t.Fatalf("End #%d after end = %v", i, err)
		}
		if _, err := h.engine.ToggleMic(); !errors.Is(err, ErrSessionEnded) {
			t.Fatalf("ToggleMic #%d after end = %v", i, err)
		}
	}
}

func TestCommandsBeforeRun(t *testing.T) {
	e := NewEngine(Config{Session: Session{ID: sessionID}}, &fakeCapture{chunks: make(chan audio.Chunk)},
		newFakeRecognizer(), replyWith("ok"), sound.NewConsoleSpeaker(&strings.Builder{}, "Sarah"),
		transcript.NewMemorySink(), zaptest.NewLogger(t).Sugar())

	errc := make(chan error, 2)
	go func() {
		errc <- e.End()
		_, err := e.ToggleMic()
		errc <- err
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if !errors.Is(err, ErrNotStarted) {
				t.Errorf("command before Run = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("command before Run blocked")
		}
	}
}

func TestInputEndFinishesCurrentTurn(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGenerator{reply: func(ctx context.Context, _ gpt.Prompt) (string, error) {
		select {
		case <-gate:
			return "Thanks, that's all from me.", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	h := newHarness(t, Config{}, gen, &fakeSynth{duration: 30 * time.Millisecond})
	h.waitStatus(StatusListening)

	h.rec.final("My last answer")
	h.waitStatus(StatusThinking)
	close(h.rec.events)
	close(gate)

	if err := h.result(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	turns := h.turns()
	if len(turns) != 1 || turns[0].Incomplete || turns[0].AgentText != "Thanks, that's all from me." {
		t.Fatalf("turns = %+v", turns)
	}
	if s := h.engine.Snapshot().Status; s != StatusEnded {
		t.Errorf("status = %s", s)
	}
}

func TestInputEndWhileListeningEndsSession(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("unused"), &fakeSynth{})
	h.waitStatus(StatusListening)

	close(h.rec.events)
	if err := h.result(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if turns := h.turns(); len(turns) != 0 {
		t.Errorf("turns = %+v", turns)
	}
}

func TestConnectionLost(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("ok"), &fakeSynth{})
	h.waitStatus(StatusListening)

	h.rec.status <- stt.Reconnecting
	h.waitFor("reconnecting", func() bool { return h.engine.Snapshot().Connection == stt.Reconnecting })

	h.rec.mu.Lock()
	h.rec.err = fmt.Errorf("%w: offline too long", stt.ErrConnectionLost)
	h.rec.mu.Unlock()
	close(h.rec.events)

	if err := h.result(); !errors.Is(err, stt.ErrConnectionLost) {
		t.Fatalf("Run = %v", err)
	}
	snap := h.engine.Snapshot()
	if snap.Status != StatusEnded || snap.Connection != stt.Offline || snap.Error == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

type fakeCapture struct {
	chunks chan audio.Chunk
	paused atomic.Bool
	closed atomic.Bool
	err    error
}

func (c *fakeCapture) Open(ctx context.Context) (<-chan audio.Chunk, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.chunks, nil
}
func (c *fakeCapture) Close() error { c.closed.Store(true); return nil }
func (c *fakeCapture) Pause()       { c.paused.Store(true) }
func (c *fakeCapture) Resume()      { c.paused.Store(false) }
func (c *fakeCapture) Paused() bool { return c.paused.Load() }

func TestToggleMic(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	capture := &fakeCapture{chunks: make(chan audio.Chunk)}
	e := NewEngine(Config{Session: Session{ID: sessionID}}, capture, newFakeRecognizer(), replyWith("ok"),
		sound.NewConsoleSpeaker(&strings.Builder{}, "Sarah"), transcript.NewMemorySink(), log)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	waitUntil(t, "listening", func() bool { return e.Snapshot().Status == StatusListening })

	muted, err := e.ToggleMic()
	if err != nil || !muted || !capture.Paused() {
		t.Fatalf("first toggle = %v, %v", muted, err)
	}
	if !e.Snapshot().MicMuted {
		t.Errorf("snapshot not muted")
	}
	muted, err = e.ToggleMic()
	if err != nil || muted || capture.Paused() {
		t.Fatalf("second toggle = %v, %v", muted, err)
	}

	cancel()
	<-e.Done()
	if !capture.closed.Load() {
		t.Errorf("capture not closed")
	}
}

func TestToggleMicWithoutMicrophone(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("ok"), &fakeSynth{})
	h.waitStatus(StatusListening)
	if _, err := h.engine.ToggleMic(); !errors.Is(err, ErrNoMicrophone) {
		t.Errorf("ToggleMic = %v", err)
	}
}

func TestRunFailsWhenDeviceUnavailable(t *testing.T) {
	capture := &fakeCapture{err: fmt.Errorf("%w: no default input", audio.ErrDeviceUnavailable)}
	e := NewEngine(Config{Session: Session{ID: sessionID}}, capture, newFakeRecognizer(), replyWith("ok"),
		sound.NewConsoleSpeaker(&strings.Builder{}, "Sarah"), transcript.NewMemorySink(), zaptest.NewLogger(t).Sugar())

	err := e.Run(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Run = %v", err)
	}
	if snap := e.Snapshot(); snap.Status != StatusEnded || snap.Error == "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if err := e.Run(context.Background()); err == nil {
		t.Errorf("second Run succeeded")
	}
}

func TestDeviceLostMidSessionEndsWithError(t *testing.T) {
	gen := &fakeGenerator{reply: func(ctx context.Context, _ gpt.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	h := newHarness(t, Config{}, gen, &fakeSynth{})
	h.waitStatus(StatusListening)
	h.rec.final("I was saying")
	h.waitStatus(StatusThinking)

	h.rec.mu.Lock()
	h.rec.err = fmt.Errorf("%w: capture stopped", audio.ErrDeviceUnavailable)
	h.rec.mu.Unlock()
	close(h.rec.events)

	if err := h.result(); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Run = %v", err)
	}
	snap := h.engine.Snapshot()
	if snap.Status != StatusEnded || snap.Error == "" || snap.Connection != stt.Online {
		t.Errorf("snapshot = %+v", snap)
	}
	if turns := h.turns(); len(turns) != 1 || !turns[0].Incomplete || turns[0].CandidateText != "I was saying" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestSignificant(t *testing.T) {
	tests := []struct {
		text     string
		minWords int
		want     bool
	}{
		{"", 1, false},
		{"mm hmm", 1, false},
		{"Uh-huh.", 1, false},
		{"um, wait", 1, true},
		{"wait", 2, false},
		{"wait, stop", 2, true},
		{"oh okay", 0, true},
	}
	for _, tt := range tests {
		if got := significant(tt.text, tt.minWords); got != tt.want {
			t.Errorf("significant(%q, %d) = %v, want %v", tt.text, tt.minWords, got, tt.want)
		}
	}
}

func TestMachineRejectsInvalidEvents(t *testing.T) {
	m := newMachine()
	if _, err := transition(m, evRespond); err == nil {
		t.Errorf("respond from IDLE accepted")
	}
	for _, step := range []struct {
		event string
		want  Status
	}{
		{evStart, StatusListening},
		{evHeard, StatusThinking},
		{evRespond, StatusSpeaking},
		{evInterrupt, StatusListening},
		{evEnd, StatusEnded},
	} {
		got, err := transition(m, step.event)
		if err != nil || got != step.want {
			t.Fatalf("%s: got %s, %v; want %s", step.event, got, err, step.want)
		}
	}
}
