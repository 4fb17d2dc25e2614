package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/audio"
	"github.com/d1nch8g/interviewer/gpt"
	"github.com/d1nch8g/interviewer/logger"
	"github.com/d1nch8g/interviewer/sound"
	"github.com/d1nch8g/interviewer/stt"
	"github.com/d1nch8g/interviewer/transcript"
)

var (
	// ErrSessionEnded is returned by commands sent after the session is over.
	ErrSessionEnded = errors.New("session ended")
	// ErrNoMicrophone is returned by ToggleMic in text-only mode.
	ErrNoMicrophone = errors.New("no microphone in this session")
	// ErrNotStarted is returned by commands sent before Run.
	ErrNotStarted = errors.New("session not started")
)

// CommitPolicy decides what happens to a turn whose playback was cancelled
// before any audio was heard.
type CommitPolicy string

const (
	// CommitAlways records the generated text as said.
	CommitAlways CommitPolicy = "always"
	// CommitAudible drops the turn and carries the candidate text into the
	// next one.
	CommitAudible CommitPolicy = "audible"
)

// Config holds the configuration for one session.
type Config struct {
	Session  Session
	Duration time.Duration
	// Greeting is spoken before the first turn. Empty skips it.
	Greeting string
	// Fallback is spoken when generation fails. Empty returns to listening
	// without speaking.
	Fallback        string
	CommitPolicy    CommitPolicy
	BargeInMinWords int
}

// Recognizer is a started speech recognition stream.
type Recognizer interface {
	Start(ctx context.Context, chunks <-chan audio.Chunk) (<-chan stt.Event, error)
	Status() <-chan stt.ConnStatus
	Stop() error
	Err() error
}

// Generator produces agent replies.
type Generator interface {
	Generate(ctx context.Context, p gpt.Prompt) (string, error)
}

type genResult struct {
	id   uint64
	text string
	err  error
}

type pendingTurn struct {
	id        uint64
	candidate string
	agent     string
	startedAt time.Time
	fallback  bool
}

type commandKind int

const (
	cmdEnd commandKind = iota
	cmdMic
)

type command struct {
	kind  commandKind
	reply chan micReply
}

type micReply struct {
	muted bool
	err   error
}

// Engine orchestrates one interview. All conversation state is owned by the
// goroutine running Run; other goroutines talk to it through channels.
type Engine struct {
	config     Config
	capture    audio.Capture
	recognizer Recognizer
	generator  Generator
	player     sound.Player
	sink       transcript.Sink
	log        *zap.SugaredLogger
	observers  []Observer

	started atomic.Bool
	cmds    chan command
	done    chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by Run.
	state     ConversationState
	machine   *fsm.FSM
	ctx       context.Context
	genCtx    context.Context
	genCancel context.CancelFunc
	results   chan genResult
	deadline  time.Time
	handle    *sound.Handle
	pending   *pendingTurn
	queued    []string
	carry     string
	genID     uint64
}

// NewEngine creates an engine. capture may be nil when the recognizer reads
// text instead of audio.
func NewEngine(
	config Config,
	capture audio.Capture,
	recognizer Recognizer,
	generator Generator,
	player sound.Player,
	sink transcript.Sink,
	log *zap.SugaredLogger,
) *Engine {
	if config.CommitPolicy == "" {
		config.CommitPolicy = CommitAlways
	}
	if config.BargeInMinWords < 1 {
		config.BargeInMinWords = 1
	}
	e := &Engine{
		config:     config,
		capture:    capture,
		recognizer: recognizer,
		generator:  generator,
		player:     player,
		sink:       sink,
		log:        logger.OrNop(log),
		cmds:       make(chan command),
		done:       make(chan struct{}),
		results:    make(chan genResult, 1),
		machine:    newMachine(),
	}
	e.state.Status = StatusIdle
	e.state.Connection = stt.Online
	e.snap = e.state.snapshot(config.Session.ID, time.Time{})
	return e
}

// Observe registers an observer. It must be called before Run.
func (e *Engine) Observe(o Observer) {
	e.observers = append(e.observers, o)
}

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// End asks the session to finish. It does not wait for teardown.
func (e *Engine) End() error {
	if err := e.accepting(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrSessionEnded
	case e.cmds <- command{kind: cmdEnd}:
		return nil
	}
}

// ToggleMic mutes or unmutes the microphone and reports the new mute state.
func (e *Engine) ToggleMic() (bool, error) {
	if err := e.accepting(); err != nil {
		return false, err
	}
	reply := make(chan micReply, 1)
	select {
	case <-e.done:
		return false, ErrSessionEnded
	case e.cmds <- command{kind: cmdMic, reply: reply}:
	}
	select {
	case <-e.done:
		return false, ErrSessionEnded
	case r := <-reply:
		return r.muted, r.err
	}
}

// accepting reports why a command cannot be delivered. cmds is unbuffered,
// so once done is closed a send can never succeed.
func (e *Engine) accepting() error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-e.done:
		return ErrSessionEnded
	default:
		return nil
	}
}

// Run drives the session until its duration elapses, End is called, ctx is
// cancelled or recognition stops. A recognition failure is returned wrapped;
// a normal end returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine is already running")
	}
	defer close(e.done)

	if e.config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Duration)
		defer cancel()
		e.deadline, _ = ctx.Deadline()
	}
	e.ctx = ctx
	e.genCtx, e.genCancel = context.WithCancel(ctx)
	defer e.genCancel()

	var chunks <-chan audio.Chunk
	if e.capture != nil {
		c, err := e.capture.Open(ctx)
		if err != nil {
			e.fail(err)
			return fmt.Errorf("failed to open audio capture: %w", err)
		}
		chunks = c
	}

	events, err := e.recognizer.Start(ctx, chunks)
	if err != nil {
		e.closeCapture()
		e.fail(err)
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	status := e.recognizer.Status()

	e.log.Infow("session started", "duration", e.config.Duration, "greeting", e.config.Greeting != "")
	if e.config.Greeting != "" {
		e.state.Greeting = e.config.Greeting
		e.state.LastAgentUtterance = e.config.Greeting
		e.handle = e.player.Speak(ctx, e.config.Greeting)
		e.fire(evGreet)
	} else {
		e.fire(evStart)
	}

	// draining is set once input ends cleanly: the turn in flight is
	// answered before the session ends.
	var draining bool
	for {
		if draining && e.settled() {
			e.log.Infow("input ended, session finished")
			e.teardown()
			return nil
		}

		var playDone <-chan struct{}
		if e.handle != nil {
			playDone = e.handle.Done()
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				e.log.Infow("session duration elapsed", "status", e.status())
			}
			e.teardown()
			return nil

		case ev, ok := <-events:
			if !ok {
				if e.recognizer.Err() != nil || ctx.Err() != nil {
					return e.recognitionStopped()
				}
				events, draining = nil, true
				continue
			}
			e.onRecognition(ev)

		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			e.log.Infow("recognition connection", "status", s)
			e.state.Connection = s
			e.publish()

		case res := <-e.results:
			e.onGenerated(res)

		case <-playDone:
			e.onPlaybackDone()

		case cmd := <-e.cmds:
			switch cmd.kind {
			case cmdEnd:
				e.log.Infow("session ended by request")
				e.teardown()
				return nil
			case cmdMic:
				cmd.reply <- e.toggleMic()
			}
		}
	}
}

func (e *Engine) recognitionStopped() error {
	err := e.recognizer.Err()
	if err == nil || e.ctx.Err() != nil {
		e.teardown()
		return nil
	}
	e.log.Errorw("recognition stopped", "error", err)
	e.state.Error = err.Error()
	if errors.Is(err, stt.ErrConnectionLost) {
		e.state.Connection = stt.Offline
	}
	e.teardown()
	return fmt.Errorf("recognition stopped: %w", err)
}

// settled reports that no turn is in flight.
func (e *Engine) settled() bool {
	return e.status() == StatusListening && e.pending == nil && e.handle == nil && len(e.queued) == 0
}

func (e *Engine) onRecognition(ev stt.Event) {
	text := strings.TrimSpace(ev.Text)

	if !ev.IsFinal {
		e.state.LiveTranscript = text
		if e.status() == StatusSpeaking && significant(text, e.config.BargeInMinWords) {
			e.bargeIn()
			return
		}
		e.publish()
		return
	}

	if text == "" {
		return
	}
	e.state.LiveTranscript = text
	e.log.Debugw("utterance received", "status", e.status(), "text", text)

	switch e.status() {
	case StatusSpeaking:
		e.bargeIn()
		e.queued = append(e.queued, text)
		e.beginThinking()
	case StatusListening:
		e.queued = append(e.queued, text)
		e.beginThinking()
	case StatusThinking:
		// Answered together with the next turn.
		e.queued = append(e.queued, text)
		e.publish()
	}
}

// beginThinking turns the carried and queued candidate text into a pending
// turn and starts generation.
func (e *Engine) beginThinking() {
	parts := make([]string, 0, len(e.queued)+1)
	if e.carry != "" {
		parts = append(parts, e.carry)
	}
	parts = append(parts, e.queued...)
	e.carry = ""
	e.queued = nil

	candidate := strings.Join(parts, " ")
	if candidate == "" {
		return
	}

	e.genID++
	e.pending = &pendingTurn{id: e.genID, candidate: candidate, startedAt: time.Now()}
	e.fire(evHeard)

	prompt := gpt.Prompt{
		Greeting:  e.state.Greeting,
		History:   e.state.exchanges(),
		Utterance: candidate,
	}
	go func(ctx context.Context, id uint64) {
		text, err := e.generator.Generate(ctx, prompt)
		select {
		case e.results <- genResult{id: id, text: text, err: err}:
		case <-ctx.Done():
		}
	}(e.genCtx, e.genID)
}

func (e *Engine) onGenerated(res genResult) {
	p := e.pending
	if p == nil || p.id != res.id || e.status() != StatusThinking {
		return
	}

	reply := strings.TrimSpace(res.text)
	err := res.err
	if err == nil && reply == "" {
		err = fmt.Errorf("%w: empty completion", gpt.ErrGenerationUnavailable)
	}
	if err != nil {
		e.log.Errorw("generation failed", "error", err)
		e.state.Error = err.Error()
		if e.config.Fallback == "" {
			e.carry = p.candidate
			e.pending = nil
			e.fire(evFail)
			if len(e.queued) > 0 {
				e.beginThinking()
			}
			return
		}
		reply = e.config.Fallback
		p.fallback = true
	} else {
		e.state.Error = ""
	}

	p.agent = reply
	e.state.LastAgentUtterance = reply
	e.handle = e.player.Speak(e.ctx, reply)
	e.fire(evRespond)
}

func (e *Engine) onPlaybackDone() {
	h := e.handle
	e.handle = nil
	if err := h.Err(); err != nil {
		e.log.Errorw("utterance not spoken", "error", err)
		e.state.Error = err.Error()
	}
	e.commit(h, false)
	e.fire(evDone)
	if len(e.queued) > 0 {
		e.beginThinking()
	}
}

// bargeIn stops the agent and returns to listening. Cancel returns only
// once the audio has stopped.
func (e *Engine) bargeIn() {
	h := e.handle
	e.player.Cancel(h)
	e.handle = nil
	e.log.Infow("barge-in", "agent", h.Text(), "audible", h.Audible())
	e.commit(h, true)
	e.fire(evInterrupt)
}

// commit appends the pending turn to history and records it.
func (e *Engine) commit(h *sound.Handle, interrupted bool) {
	p := e.pending
	if p == nil {
		return
	}
	e.pending = nil

	if e.config.CommitPolicy == CommitAudible && h != nil && !h.Audible() {
		e.log.Infow("reply never heard, keeping candidate text for the next turn")
		e.carry = p.candidate
		return
	}

	turn := Turn{
		Seq:         len(e.state.History) + 1,
		Candidate:   p.candidate,
		Agent:       p.agent,
		StartedAt:   p.startedAt,
		CompletedAt: time.Now(),
		Interrupted: interrupted,
		Fallback:    p.fallback,
	}
	e.state.History = append(e.state.History, turn)
	e.record(transcript.Turn{
		Seq:           turn.Seq,
		CandidateText: turn.Candidate,
		AgentText:     turn.Agent,
		StartedAt:     turn.StartedAt,
		CompletedAt:   turn.CompletedAt,
		Interrupted:   turn.Interrupted,
		Fallback:      turn.Fallback,
	})
}

// record hands a turn to the sink. Failures are logged and otherwise
// ignored.
func (e *Engine) record(t transcript.Turn) {
	t.JobID = e.config.Session.JobID
	t.CandidateID = e.config.Session.CandidateID
	if err := e.sink.Record(context.WithoutCancel(e.ctx), e.config.Session.ID, t); err != nil {
		e.log.Warnw("failed to record turn", "turn", t.Seq, "error", err)
	}
}

// teardown cancels in-flight work and publishes the final state. Candidate
// text that never got a reply is recorded as incomplete.
func (e *Engine) teardown() {
	e.genCancel()

	if e.status() == StatusSpeaking && e.handle != nil {
		h := e.handle
		e.player.Cancel(h)
		e.handle = nil
		e.commit(h, true)
	}

	if err := e.recognizer.Stop(); err != nil {
		e.log.Warnw("failed to stop recognition", "error", err)
	}
	e.closeCapture()

	var parts []string
	if e.carry != "" {
		parts = append(parts, e.carry)
	}
	if e.pending != nil {
		parts = append(parts, e.pending.candidate)
		e.pending = nil
	}
	parts = append(parts, e.queued...)
	e.carry, e.queued = "", nil
	if len(parts) > 0 {
		now := time.Now()
		e.record(transcript.Turn{
			Seq:           len(e.state.History) + 1,
			CandidateText: strings.Join(parts, " "),
			StartedAt:     now,
			CompletedAt:   now,
			Incomplete:    true,
		})
	}

	e.fire(evEnd)
	e.log.Infow("session finished", "turns", len(e.state.History))
}

func (e *Engine) toggleMic() micReply {
	if e.capture == nil {
		return micReply{err: ErrNoMicrophone}
	}
	if e.capture.Paused() {
		e.capture.Resume()
	} else {
		e.capture.Pause()
	}
	e.state.MicMuted = e.capture.Paused()
	e.publish()
	return micReply{muted: e.state.MicMuted}
}

func (e *Engine) closeCapture() {
	if e.capture == nil {
		return
	}
	if err := e.capture.Close(); err != nil {
		e.log.Warnw("failed to close audio capture", "error", err)
	}
}

// fail publishes a start-up error as the final state.
func (e *Engine) fail(err error) {
	e.log.Errorw("session failed to start", "error", err)
	e.state.Error = err.Error()
	e.fire(evEnd)
}

func (e *Engine) status() Status {
	return Status(e.machine.Current())
}

func (e *Engine) fire(event string) {
	status, err := transition(e.machine, event)
	if err != nil {
		e.log.Warnw("invalid transition", "event", event, "status", status, "error", err)
	}
	e.state.Status = status
	e.publish()
}

func (e *Engine) publish() {
	snap := e.state.snapshot(e.config.Session.ID, e.deadline)
	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
	for _, o := range e.observers {
		o.Publish(snap)
	}
}
