package protocol

import (
	"regexp"
	"time"

	"github.com/mcdev12/pomosync/internal/timer"
)

// Field length limits applied by the codec.
const (
	MaxNameLength        = 50
	MaxDescriptionLength = 1000
	MaxAvatarURLLength   = 500
	MaxAlertLength       = 50
)

// Duration bounds, re-exported from the timer core so the codec and the state
// machine share one definition. Only the codec clamps against them.
const (
	MinDurationSec     = timer.MinDurationSec
	MaxDurationSec     = timer.MaxDurationSec
	DefaultDurationSec = timer.DefaultDurationSec
	MaxRemainingMs     = timer.MaxDurationSec * 1000
)

// DefaultAlert names the client-side cue used when an interval specifies none.
const DefaultAlert = "Default"

// Broker timing defaults.
const (
	CleanupInterval = 5 * time.Minute
	SessionTimeout  = 10 * time.Minute
	SocketTimeout   = 30 * time.Second
)

var (
	sessionIDPattern = regexp.MustCompile(`^[a-z0-9-]{3,64}$`)
	clientIDPattern  = regexp.MustCompile(`^[a-f0-9-]{36}$`)
)

// ValidSessionID reports whether id is a well-formed session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ValidClientID reports whether id is a well-formed client identifier.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// Inbound message types.
const (
	TypeSessionJoin   = "session_join"
	TypeSessionUpdate = "session_update"
	TypeTimerUpdate   = "timer_update"
	TypeUserUpdate    = "user_update"
	TypeUserList      = "user_list"
	TypePing          = "ping"
)

// Outbound message types.
const (
	TypeSessionCreated   = "session_created"
	TypeSessionJoined    = "session_joined"
	TypeSessionUpdated   = "session_updated"
	TypeTimerUpdated     = "timer_updated"
	TypeUserConnected    = "user_connected"
	TypeUserDisconnected = "user_disconnected"
	TypeUserUpdated      = "user_updated"
	TypeUsersConnected   = "users_connected"
	TypePong             = "pong"
	TypeError            = "error"
)
