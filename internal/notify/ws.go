package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrNoSession = errors.New("no ws session")

// Envelope is the frame written to live sessions.
type Envelope struct {
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
	SentAt  time.Time         `json:"sent_at"`
}

// WSSession represents one connected rider or driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(e)
}

// WSRegistry holds live sessions keyed by recipient ID.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      zerolog.Logger
}

func NewWSRegistry(log zerolog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log}
}

// Add registers conn, replacing and closing any previous session.
func (r *WSRegistry) Add(recipientID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[recipientID]
	r.sessions[recipientID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(recipientID string, s *WSSession) {
	r.mu.Lock()
	if r.sessions[recipientID] == s {
		delete(r.sessions, recipientID)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

// Serve blocks reading from the session until the peer goes away.
func (r *WSRegistry) Serve(recipientID string, conn *websocket.Conn) {
	s := r.Add(recipientID, conn)
	defer r.Remove(recipientID, s)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Notify(_ context.Context, recipientID, kind string, payload map[string]string) error {
	r.mu.RLock()
	s, ok := r.sessions[recipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(Envelope{Kind: kind, Payload: payload, SentAt: time.Now().UTC()}); err != nil {
		r.log.Warn().Err(err).Str("recipient_id", recipientID).Msg("ws send error")
		return err
	}
	return nil
}
