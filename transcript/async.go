package transcript

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/logger"
)

type AsyncConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	Retries      uint64
	RetryBackoff time.Duration
}

func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:    64,
		WriteTimeout: 10 * time.Second,
		Retries:      2,
		RetryBackoff: 200 * time.Millisecond,
	}
}

type record struct {
	sessionID string
	turn      Turn
}

// Async records turns on a background worker so callers never wait on
// storage. Failures are retried, then logged and dropped.
type Async struct {
	sink   Sink
	config AsyncConfig
	log    *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	queue  chan record
	done   chan struct{}
}

var _ Sink = (*Async)(nil)

func NewAsync(sink Sink, config AsyncConfig, log *zap.SugaredLogger) *Async {
	def := DefaultAsyncConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}

	a := &Async{
		sink:   sink,
		config: config,
		log:    logger.OrNop(log),
		queue:  make(chan record, config.QueueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record queues the turn. It never blocks; a full queue drops the turn and
// returns an error wrapping ErrPersistenceFailure.
func (a *Async) Record(ctx context.Context, sessionID string, turn Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return persistenceError("queue turn", errors.New("sink closed"))
	}
	select {
	case a.queue <- record{sessionID: sessionID, turn: turn}:
		return nil
	default:
		a.log.Warnw("transcript queue full, dropping turn", "session", sessionID, "turn", turn.Seq)
		return persistenceError("queue turn", errors.New("queue full"))
	}
}

func (a *Async) run() {
	defer close(a.done)
	for rec := range a.queue {
		if err := a.write(rec); err != nil {
			a.log.Errorw("failed to record turn", "session", rec.sessionID, "turn", rec.turn.Seq, "error", err)
			continue
		}
		a.log.Debugw("turn recorded", "session", rec.sessionID, "turn", rec.turn.Seq)
	}
}

func (a *Async) write(rec record) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(a.config.Retries, retry.NewExponential(a.config.RetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := a.sink.Record(ctx, rec.sessionID, rec.turn); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Close flushes queued turns and closes the underlying sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}
