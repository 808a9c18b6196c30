package session

import (
	"sync"

	"github.com/mcdev12/pomosync/internal/protocol"
	"github.com/mcdev12/pomosync/internal/timer"
)

// Socket is the broker's handle on one live connection. The transport adapter
// owns the connection; the broker only holds these weak references and drops
// them when the adapter reports a close. Send must never block.
type Socket interface {
	ID() string
	Send(data []byte)
	IsOpen() bool
	Close()
}

// User is one client identity within a session. A user may hold several
// sockets at once (multiple tabs); it is online while any of them is open.
// The raw ClientID is used only for routing and never leaves the broker.
type User struct {
	ClientID  string // raw UUID v4, routing only
	HashedID  string // SHA-256 hex of ClientID, the wire identity
	Name      string
	AvatarURL string
	Sockets   map[string]Socket // keyed by socket id
	LastPing  int64
	OfflineAt int64 // unix ms, 0 while online
}

// IsOnline reports whether any of the user's sockets is open.
func (u *User) IsOnline() bool {
	for _, sock := range u.Sockets {
		if sock.IsOpen() {
			return true
		}
	}
	return false
}

// Public returns the externalized user. The identifier on the wire is the
// hashed id.
func (u *User) Public() *protocol.UserPublic {
	return &protocol.UserPublic{
		ClientID:  u.HashedID,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		IsOnline:  u.IsOnline(),
		LastPing:  u.LastPing,
		OfflineAt: u.OfflineAt,
	}
}

// Session is one shared timer room. The session owns its users and its timer
// core; all mutation is serialized by the broker.
type Session struct {
	mu sync.Mutex // serializes all mutation of this session

	ID           string
	Name         string
	Description  string
	Intervals    protocol.IntervalListPublic
	Timer        protocol.TimerState
	Core         *timer.Core
	Users        map[string]*User // keyed by raw client id
	CreatedAt    int64
	LastActivity int64
	EmptyAt      int64 // unix ms since no socket is open, 0 otherwise
}

// AnyOnline reports whether any user in the session has an open socket.
func (s *Session) AnyOnline() bool {
	for _, u := range s.Users {
		if u.IsOnline() {
			return true
		}
	}
	return false
}

// PublicUsers returns the roster in external form, keyed by hashed id.
func (s *Session) PublicUsers() map[string]*protocol.UserPublic {
	users := make(map[string]*protocol.UserPublic, len(s.Users))
	for _, u := range s.Users {
		users[u.HashedID] = u.Public()
	}
	return users
}

// Public returns the full sanitized snapshot of the session.
func (s *Session) Public() *protocol.SessionPublic {
	return &protocol.SessionPublic{
		SessionID:    s.ID,
		Name:         s.Name,
		Description:  s.Description,
		Intervals:    s.Intervals,
		Timer:        s.Timer,
		Users:        s.PublicUsers(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// Meta returns the metadata slice broadcast on session_updated.
func (s *Session) Meta() protocol.SessionMeta {
	return protocol.SessionMeta{
		Name:        s.Name,
		Description: s.Description,
		Intervals:   s.Intervals,
	}
}
