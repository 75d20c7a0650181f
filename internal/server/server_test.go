package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/GriffinCanCode/converse/internal/session"
	"github.com/GriffinCanCode/converse/internal/transcript"
)

// mockSession for testing.
type mockSession struct {
	mu         sync.Mutex
	state      session.State
	err        error
	muted      bool
	started    int
	stopped    int
	utterances []transcript.Utterance
	uttCh      chan transcript.Utterance
	stateCh    chan session.State
	startErr   error
}

func newMockSession() *mockSession {
	return &mockSession{
		uttCh:   make(chan transcript.Utterance, 10),
		stateCh: make(chan session.State, 10),
	}
}

func (m *mockSession) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	if m.startErr != nil {
		return m.startErr
	}
	m.state = session.StateConnected
	return nil
}

func (m *mockSession) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.state = session.StateDisconnected
}

func (m *mockSession) State() session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSession) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockSession) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *mockSession) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *mockSession) LiveUserText() string  { return "" }
func (m *mockSession) LiveModelText() string { return "" }

func (m *mockSession) Transcript() []transcript.Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utterances
}

func (m *mockSession) Utterances() <-chan transcript.Utterance { return m.uttCh }
func (m *mockSession) StateEvents() <-chan session.State       { return m.stateCh }
func (m *mockSession) Activity() float64                       { return 0 }

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Test OPTIONS request
	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}

	// Test regular request
	req = httptest.NewRequest("GET", "/test", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandleState(t *testing.T) {
	sess := newMockSession()
	sess.state = session.StateConnected
	srv := New(sess)

	req := httptest.NewRequest("GET", "/api/state", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var msg StateMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}
	if msg.State != "connected" {
		t.Errorf("state = %q, want connected", msg.State)
	}
	if msg.Error != "" {
		t.Errorf("error = %q, want empty", msg.Error)
	}
}

func TestHandleTranscript(t *testing.T) {
	sess := newMockSession()
	sess.utterances = []transcript.Utterance{
		{Speaker: transcript.SpeakerUser, Text: "Hello"},
		{Speaker: transcript.SpeakerModel, Text: "Hi there"},
	}
	srv := New(sess)

	req := httptest.NewRequest("GET", "/api/transcript", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out []UtteranceMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d utterances, want 2", len(out))
	}
	if out[0].Speaker != "user" || out[0].Text != "Hello" {
		t.Errorf("first utterance = %+v", out[0])
	}
	if out[1].Speaker != "model" || out[1].Text != "Hi there" {
		t.Errorf("second utterance = %+v", out[1])
	}
}

func TestHandleSessionStartAndStop(t *testing.T) {
	sess := newMockSession()
	srv := New(sess)

	req := httptest.NewRequest("POST", "/api/session/start", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("start status = %d, want %d", rec.Code, http.StatusOK)
	}
	if sess.started != 1 {
		t.Errorf("Start called %d times, want 1", sess.started)
	}

	req = httptest.NewRequest("POST", "/api/session/stop", http.NoBody)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if sess.stopped != 1 {
		t.Errorf("Stop called %d times, want 1", sess.stopped)
	}
}

func TestHandleSessionStartFailure(t *testing.T) {
	sess := newMockSession()
	sess.startErr = context.DeadlineExceeded
	srv := New(sess)

	req := httptest.NewRequest("POST", "/api/session/start", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestHandleMute(t *testing.T) {
	sess := newMockSession()
	srv := New(sess)

	body := bytes.NewBufferString(`{"muted": true}`)
	req := httptest.NewRequest("POST", "/api/mute", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if !sess.Muted() {
		t.Error("session should be muted")
	}

	body = bytes.NewBufferString(`not json`)
	req = httptest.NewRequest("POST", "/api/mute", body)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}

	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message over the limit should be rejected")
	}
}

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		name    string
		msg     interface{}
		typeVal string
	}{
		{
			"state",
			StateMessage{Type: "state", State: "connected"},
			"state",
		},
		{
			"utterance",
			UtteranceMessage{Type: "utterance", Speaker: "user", Text: "Hello"},
			"utterance",
		},
		{
			"live",
			LiveMessage{Type: "live", Speaker: "model", Text: "Hi"},
			"live",
		},
		{
			"activity",
			ActivityMessage{Type: "activity", Level: 0.4},
			"activity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("json.Marshal error: %v", err)
			}

			var base Message
			if err := json.Unmarshal(data, &base); err != nil {
				t.Fatalf("json.Unmarshal error: %v", err)
			}

			if base.Type != tt.typeVal {
				t.Errorf("type = %q, want %q", base.Type, tt.typeVal)
			}
		})
	}
}

func TestControlMessageParsing(t *testing.T) {
	input := `{"type": "mute", "muted": true}`

	var ctrl ControlMessage
	if err := json.Unmarshal([]byte(input), &ctrl); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}

	if ctrl.Type != "mute" {
		t.Errorf("type = %q, want %q", ctrl.Type, "mute")
	}
	if !ctrl.Muted {
		t.Error("muted should be true")
	}
}
