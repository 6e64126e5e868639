// Package events fans domain events out to every live session of a user,
// either in process or across instances through Redis pub/sub.
package events

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// DefaultBuffer is the number of events a session may lag behind before it is dropped.
const DefaultBuffer = 64

// Session is one connected event stream of a user. Its channel is closed when
// the session unsubscribes or is dropped for falling behind.
type Session struct {
	UserID string

	ch     chan domain.Event
	closed bool
}

// Events returns the channel events for this session are delivered on.
func (s *Session) Events() <-chan domain.Event { return s.ch }

// Hub keeps the sessions of every connected user.
type Hub struct {
	buffer int

	mu       sync.Mutex
	sessions map[string]map[*Session]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, sessions: make(map[string]map[*Session]struct{})}
}

// Subscribe registers a new session for userID.
func (h *Hub) Subscribe(userID string) *Session {
	s := &Session{UserID: userID, ch: make(chan domain.Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.sessions[userID]
	if !ok {
		group = make(map[*Session]struct{})
		h.sessions[userID] = group
	}
	group[s] = struct{}{}
	log.WithFields(log.Fields{"user": userID, "sessions": len(group)}).Debug("session subscribed")
	return s
}

// Unsubscribe removes the session and closes its channel. It is safe to call
// for a session that was already dropped.
func (h *Hub) Unsubscribe(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	group := h.sessions[s.UserID]
	delete(group, s)
	if len(group) == 0 {
		delete(h.sessions, s.UserID)
	}
}

// Broadcast delivers ev to every session of ev.UserID without blocking.
// A session whose buffer is full is dropped; its client reconnects and reloads.
func (h *Hub) Broadcast(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions[ev.UserID] {
		select {
		case s.ch <- ev:
		default:
			log.WithFields(log.Fields{"user": ev.UserID, "event": ev.Name}).Warn("dropping slow session")
			h.removeLocked(s)
		}
	}
}

// Sessions reports how many sessions userID has open.
func (h *Hub) Sessions(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[userID])
}
