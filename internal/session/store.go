package session

import (
	"sync"

	"github.com/mcdev12/pomosync/internal/protocol"
)

// Store maps session ids to sessions. It guards only the map itself; session
// contents are serialized by the broker's per-session lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for id, or nil.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Put re-canonicalizes the session's client-writable fields through the codec
// and stores it.
func (s *Store) Put(sess *Session) {
	sess.Name = protocol.FormatName(sess.Name)
	sess.Description = protocol.FormatDescription(sess.Description)
	for i, iv := range sess.Intervals.Items {
		sess.Intervals.Items[i] = protocol.FormatInterval(iv)
	}
	sess.Timer = protocol.FormatTimer(&sess.Timer)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// Delete removes the session for id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Range calls fn for each session until fn returns false. fn must not call
// back into the store.
func (s *Store) Range(fn func(sess *Session) bool) {
	s.mu.RLock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
