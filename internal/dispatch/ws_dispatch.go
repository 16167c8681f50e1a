// Package dispatch pushes events to the websocket sessions of the users they
// concern.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/observability"
)

// ErrNoSession is returned when a user has no connected session.
var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession is one connected client of a user.
type WSSession struct {
	id     string
	userID string
	conn   Conn
	mu     sync.Mutex
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds the sessions of every connected user. A user may be
// connected from several devices.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*WSSession
	logger   *slog.Logger
	seq      uint64
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[string]*WSSession), logger: logger}
}

// Add registers conn for userID and returns the session.
func (r *WSRegistry) Add(userID string, conn Conn) *WSSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	s := &WSSession{id: userID + "#" + strconv.FormatUint(r.seq, 10), userID: userID, conn: conn}
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[string]*WSSession)
	}
	r.sessions[userID][s.id] = s
	observability.WSSessions.Inc()
	return s
}

// Remove drops the session and closes its connection.
func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	byID, ok := r.sessions[s.userID]
	_, present := byID[s.id]
	if ok && present {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(r.sessions, s.userID)
		}
		observability.WSSessions.Dec()
	}
	r.mu.Unlock()
	if present {
		_ = s.conn.Close()
	}
}

// Count returns the number of sessions userID has open.
func (r *WSRegistry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

// Offer sends ev to every session of userID. Sessions that fail to write are
// dropped.
func (r *WSRegistry) Offer(ctx context.Context, userID string, ev models.Event) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[userID]))
	for _, s := range r.sessions[userID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var sent bool
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			logging.Component(ctx, r.logger, "dispatch", "Offer", "user_id", userID, "session_id", s.id).
				WarnContext(ctx, "ws send failed, dropping session", "error", err)
			r.Remove(s)
			continue
		}
		sent = true
	}
	if !sent {
		return ErrNoSession
	}
	return nil
}

// Publish delivers ev to its audience. Users without a live session are
// skipped; they catch up through the REST endpoints.
func (r *WSRegistry) Publish(ctx context.Context, ev models.Event) error {
	for _, userID := range ev.Audience {
		if err := r.Offer(ctx, userID, ev); err != nil && !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	return nil
}

// Upgrader is shared by the transport's websocket endpoint.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Serve keeps the session registered until the client goes away. Inbound
// frames are read and discarded so control frames are processed.
func (r *WSRegistry) Serve(ctx context.Context, userID string, conn *websocket.Conn) {
	s := r.Add(userID, conn)
	defer r.Remove(s)
	logger := logging.Component(ctx, r.logger, "dispatch", "Serve", "user_id", userID, "session_id", s.id)
	logger.InfoContext(ctx, "ws session opened")
	for {
		if _, _, err := conn.NextReader(); err != nil {
			logger.InfoContext(ctx, "ws session closed", "error", err)
			return
		}
	}
}
