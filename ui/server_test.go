package ui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/d1nch8g/interviewer/engine"
	"github.com/d1nch8g/interviewer/stt"
)

type fakeSession struct {
	mu     sync.Mutex
	snap   engine.Snapshot
	ended  bool
	muted  bool
	micErr error
}

func (f *fakeSession) Snapshot() engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return engine.ErrSessionEnded
	}
	f.ended = true
	return nil
}

func (f *fakeSession) ToggleMic() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.micErr != nil {
		return false, f.micErr
	}
	f.muted = !f.muted
	return f.muted, nil
}

func newTestServer(t *testing.T, session *fakeSession, hub *Hub) *httptest.Server {
	t.Helper()
	s := NewServer(":0", session, hub, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestState(t *testing.T) {
	session := &fakeSession{snap: engine.Snapshot{
		SessionID:          "s1",
		Status:             engine.StatusThinking,
		LiveTranscript:     "I led the team",
		LastAgentUtterance: "Tell me about your last project.",
		Connection:         stt.Online,
		Turns:              2,
		Remaining:          600,
	}}
	srv := newTestServer(t, session, NewHub())

	resp, err := http.Get(srv.URL + "/api/session/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "THINKING" || body["liveTranscript"] != "I led the team" ||
		body["lastAgentUtterance"] != "Tell me about your last project." || body["connection"] != "online" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["error"]; ok {
		t.Errorf("empty error serialized: %v", body)
	}
}

func TestEnd(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, NewHub())

	resp, err := http.Post(srv.URL+"/api/session/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("first end = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/session/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second end = %d", resp.StatusCode)
	}
}

func TestMic(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"toggle", nil, http.StatusOK, `{"muted":true}`},
		{"ended", engine.ErrSessionEnded, http.StatusConflict, "session ended"},
		{"text mode", engine.ErrNoMicrophone, http.StatusNotImplemented, "no microphone"},
		{"not started", engine.ErrNotStarted, http.StatusServiceUnavailable, "not started"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeSession{micErr: tt.err}, NewHub())
			resp, err := http.Post(srv.URL+"/api/session/mic", "application/json", nil)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()

			var sb strings.Builder
			buf := make([]byte, 512)
			n, _ := resp.Body.Read(buf)
			sb.Write(buf[:n])
			if resp.StatusCode != tt.status || !strings.Contains(sb.String(), tt.body) {
				t.Errorf("got %d %q, want %d containing %q", resp.StatusCode, sb.String(), tt.status, tt.body)
			}
		})
	}
}

func TestWebSocketFeed(t *testing.T) {
	hub := NewHub()
	hub.Publish(engine.Snapshot{SessionID: "s1", Status: engine.StatusListening})
	srv := newTestServer(t, &fakeSession{}, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap engine.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Status != engine.StatusListening {
		t.Errorf("first snapshot = %+v", snap)
	}

	hub.Publish(engine.Snapshot{SessionID: "s1", Status: engine.StatusSpeaking, LastAgentUtterance: "Hello"})
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Status != engine.StatusSpeaking || snap.LastAgentUtterance != "Hello" {
		t.Errorf("second snapshot = %+v", snap)
	}
}

func TestHubKeepsLatestForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for i := 0; i < 50; i++ {
		hub.Publish(engine.Snapshot{Turns: i})
	}

	var last engine.Snapshot
	for {
		select {
		case s := <-ch:
			last = s
			continue
		default:
		}
		break
	}
	if last.Turns != 49 {
		t.Errorf("last snapshot = %d, want 49", last.Turns)
	}

	unsubscribe()
	hub.Publish(engine.Snapshot{Turns: 100})
	select {
	case s := <-ch:
		t.Errorf("received after unsubscribe: %+v", s)
	default:
	}
}
