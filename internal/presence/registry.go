// Package presence tracks which users currently hold a live connection on
// the node and enforces the single-session-per-user policy.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Session is the live binding between a user identity and one connection.
// It is owned by the Registry for its lifetime.
type Session struct {
	UserID       string
	DisplayName  string
	ConnID       string
	RegisteredAt time.Time

	terminate func(reason string)
	termOnce  sync.Once
}

// Terminate tears down the underlying connection. Safe to call more than
// once; only the first call reaches the transport.
func (s *Session) Terminate(reason string) {
	if s == nil || s.terminate == nil {
		return
	}
	s.termOnce.Do(func() { s.terminate(reason) })
}

// Entry is a point-in-time view of one online session.
type Entry struct {
	UserID      string
	DisplayName string
	ConnID      string
}

var (
	ErrUserIDRequired = errors.New("user id is required")
	ErrConnIDRequired = errors.New("connection id is required")
)

// Registry maps user identity to the active session. The forward map
// (userID -> session) is authoritative; the reverse index (connID -> userID)
// exists so disconnects can be resolved without scanning.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Session
	byConn map[string]string

	notify func()
	nowFn  func() time.Time
}

// NewRegistry builds an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Session),
		byConn: make(map[string]string),
		nowFn:  time.Now,
	}
}

// SetNotify installs a hook invoked after every presence change. The hook
// runs outside the registry lock.
func (r *Registry) SetNotify(fn func()) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

// Register installs a session for userID bound to connID. If the user
// already holds a session on a different connection, that connection is
// forcibly terminated first (last register wins). The terminate callback is
// invoked outside the registry lock when this session is later superseded.
func (r *Registry) Register(userID, displayName, connID string, terminate func(reason string)) (*Session, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if connID == "" {
		return nil, ErrConnIDRequired
	}

	session := &Session{
		UserID:      userID,
		DisplayName: displayName,
		ConnID:      connID,
		terminate:   terminate,
	}

	var superseded *Session

	r.mu.Lock()
	session.RegisteredAt = r.nowFn()

	// The connection may be re-registering under a new identity; detach its
	// previous binding so the reverse index never holds two entries.
	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		delete(r.byUser, prevUser)
	}
	if old, ok := r.byUser[userID]; ok && old.ConnID != connID {
		delete(r.byConn, old.ConnID)
		superseded = old
	}
	r.byUser[userID] = session
	r.byConn[connID] = userID
	notify := r.notify
	r.mu.Unlock()

	if superseded != nil {
		superseded.Terminate("session superseded by a newer registration")
	}
	if notify != nil {
		notify()
	}
	return session, nil
}

// Remove deletes the session bound to connID. It is a no-op when the
// connection never completed registration. Returns the removed session.
func (r *Registry) Remove(connID string) *Session {
	r.mu.Lock()
	userID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	session := r.byUser[userID]
	delete(r.byConn, connID)
	// Only drop the forward entry if it still points at this connection; a
	// superseding registration may already own it.
	if session != nil && session.ConnID == connID {
		delete(r.byUser, userID)
	} else {
		session = nil
	}
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
	return session
}

// Lookup resolves the live session for userID.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.byUser[userID]
	return session, ok
}

// ListOnline returns a snapshot of every online session, ordered by
// registration time (user id breaks ties) so one snapshot is stable.
func (r *Registry) ListOnline() []Entry {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].RegisteredAt.Equal(sessions[j].RegisteredAt) {
			return sessions[i].UserID < sessions[j].UserID
		}
		return sessions[i].RegisteredAt.Before(sessions[j].RegisteredAt)
	})

	out := make([]Entry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Entry{UserID: s.UserID, DisplayName: s.DisplayName, ConnID: s.ConnID})
	}
	return out
}

// Len reports the number of online sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
