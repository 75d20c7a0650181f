package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/converse/internal/session"
	"github.com/GriffinCanCode/converse/internal/transcript"
)

// Session is the conversation controller surface the server drives.
// Satisfied by session.Controller.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	State() session.State
	Err() error
	SetMuted(muted bool)
	Muted() bool
	LiveUserText() string
	LiveModelText() string
	Transcript() []transcript.Utterance
	Utterances() <-chan transcript.Utterance
	StateEvents() <-chan session.State
	Activity() float64
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type ControlMessage struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted,omitempty"`
}

type StateMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type LiveMessage struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type UtteranceMessage struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type ActivityMessage struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type RateLimitedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	sess       Session
	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a new server and starts its push loops.
func New(sess Session) *Server {
	s := &Server{
		sess:       sess,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}

	// Start broadcasters
	go s.broadcastUtterances()
	go s.broadcastStates()
	go s.pushActivity()

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/transcript", s.handleTranscript)
	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
	mux.HandleFunc("POST /api/mute", s.handleMute)

	// Prometheus scrape endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	slog.Info("control client connected", "remote", r.RemoteAddr)

	// New clients get the current state immediately.
	_ = wsjson.Write(ctx, conn, s.stateMessage())

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			slog.Debug("websocket read error", "error", err)
			return
		}

		// Check rate limit
		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow() {
			slog.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(ctx, conn, RateLimitedMessage{
				Type:    "error",
				Message: "rate limit exceeded",
			})
			continue
		}

		var ctrl ControlMessage
		if err := json.Unmarshal(msg, &ctrl); err != nil {
			continue
		}

		switch ctrl.Type {
		case "start":
			// The session must outlive this websocket connection.
			if err := s.sess.Start(context.Background()); err != nil {
				slog.Error("session start failed", "error", err)
			}
			_ = wsjson.Write(ctx, conn, s.stateMessage())
		case "stop":
			s.sess.Stop()
			_ = wsjson.Write(ctx, conn, s.stateMessage())
		case "mute":
			s.sess.SetMuted(ctrl.Muted)
		}
	}
}

func (s *Server) stateMessage() StateMessage {
	msg := StateMessage{Type: "state", State: s.sess.State().String()}
	if err := s.sess.Err(); err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// broadcastUtterances pushes each finalized utterance to every client.
func (s *Server) broadcastUtterances() {
	for u := range s.sess.Utterances() {
		s.broadcast(UtteranceMessage{
			Type:    "utterance",
			Speaker: string(u.Speaker),
			Text:    u.Text,
		})
	}
}

// broadcastStates pushes lifecycle transitions to every client.
func (s *Server) broadcastStates() {
	for st := range s.sess.StateEvents() {
		msg := StateMessage{Type: "state", State: st.String()}
		if st == session.StateDisconnected {
			if err := s.sess.Err(); err != nil {
				msg.Error = err.Error()
			}
		}
		s.broadcast(msg)
	}
}

// pushActivity periodically pushes playback activity and live turn text
// while a session is connected.
func (s *Server) pushActivity() {
	ticker := time.NewTicker(ActivityInterval)
	defer ticker.Stop()

	var lastUser, lastModel string
	for range ticker.C {
		if s.sess.State() != session.StateConnected {
			continue
		}

		s.broadcast(ActivityMessage{Type: "activity", Level: s.sess.Activity()})

		if user := s.sess.LiveUserText(); user != lastUser {
			lastUser = user
			s.broadcast(LiveMessage{Type: "live", Speaker: string(transcript.SpeakerUser), Text: user})
		}
		if model := s.sess.LiveModelText(); model != lastModel {
			lastModel = model
			s.broadcast(LiveMessage{Type: "live", Speaker: string(transcript.SpeakerModel), Text: model})
		}
	}
}

func (s *Server) broadcast(msg interface{}) {
	s.mu.RLock()
	for conn := range s.conns {
		go func(c *websocket.Conn, m interface{}) {
			_ = wsjson.Write(context.Background(), c, m)
		}(conn, msg)
	}
	s.mu.RUnlock()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(s.stateMessage())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	utterances := s.sess.Transcript()
	out := make([]UtteranceMessage, 0, len(utterances))
	for _, u := range utterances {
		out = append(out, UtteranceMessage{
			Type:    "utterance",
			Speaker: string(u.Speaker),
			Text:    u.Text,
		})
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Start(context.Background()); err != nil {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "session_started"})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	s.sess.Stop()
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "session_stopped"})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Muted bool `json:"muted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid body"})
		return
	}
	s.sess.SetMuted(body.Muted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"muted": s.sess.Muted()})
}
