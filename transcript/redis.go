package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// RedisSink appends turns to a per-session list. A SETNX marker per
// (session, seq) keeps repeated records from appending twice.
type RedisSink struct {
	rc  *redis.Client
	ttl time.Duration
}

var _ Sink = (*RedisSink)(nil)

func NewRedis(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
}

func NewRedisSink(rc *redis.Client, ttl time.Duration) *RedisSink {
	return &RedisSink{rc: rc, ttl: ttl}
}

func SessionTurnsKey(sessionID string) string {
	return fmt.Sprintf("interview:%s:turns", sessionID)
}

func turnMarkerKey(sessionID string, seq int) string {
	return fmt.Sprintf("interview:%s:turn:%d", sessionID, seq)
}

type redisTurn struct {
	SessionID string `json:"session_id"`
	Turn
}

func (r *RedisSink) Record(ctx context.Context, sessionID string, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return persistenceError("record turn", err)
	}

	data, err := json.Marshal(redisTurn{SessionID: sessionID, Turn: turn})
	if err != nil {
		return persistenceError("marshal turn", err)
	}

	fresh, err := r.rc.SetNX(turnMarkerKey(sessionID, turn.Seq), 1, r.ttl).Result()
	if err != nil {
		return persistenceError("mark turn", err)
	}
	if !fresh {
		return nil
	}

	listKey := SessionTurnsKey(sessionID)
	if err := r.rc.RPush(listKey, data).Err(); err != nil {
		// Let a retry append it.
		r.rc.Del(turnMarkerKey(sessionID, turn.Seq))
		return persistenceError("append turn", err)
	}
	if r.ttl > 0 {
		r.rc.Expire(listKey, r.ttl)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.rc.Close()
}
