package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/mcdev12/pomosync/internal/timer"
)

// Errors surfaced to clients through the wire error channel.
var (
	ErrInvalidFormat    = errors.New("Invalid message format")
	ErrUnknownType      = errors.New("Unknown message type")
	ErrInvalidIntervals = errors.New("Invalid intervals data")
	ErrInvalidSessionID = errors.New("Invalid session id")
	ErrSessionNotFound  = errors.New("Session not found")
)

// Decode parses an inbound text frame. Frames that are not JSON objects or
// lack a type are rejected; unknown fields are ignored.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidFormat
	}
	if env.Type == "" {
		return nil, ErrInvalidFormat
	}
	return &env, nil
}

// HashClientID externalizes a raw client id as its SHA-256 hex digest. Raw
// ids never leave the broker.
func HashClientID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FormatSessionID canonicalizes a session identifier.
func FormatSessionID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !ValidSessionID(id) {
		return "", ErrInvalidSessionID
	}
	return id, nil
}

// FormatClientID returns the submitted client id when well-formed, or a fresh
// UUID v4 otherwise.
func FormatClientID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if ValidClientID(id) {
		return id
	}
	return uuid.New().String()
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// FormatName trims and bounds a display name.
func FormatName(name string) string {
	return truncate(strings.TrimSpace(name), MaxNameLength)
}

// FormatDescription trims and bounds a session description.
func FormatDescription(desc string) string {
	return truncate(strings.TrimSpace(desc), MaxDescriptionLength)
}

// FormatAvatarURL trims and bounds an avatar URL. The URL itself is opaque to
// the broker.
func FormatAvatarURL(url string) string {
	return truncate(strings.TrimSpace(url), MaxAvatarURLLength)
}

// FormatAlert trims and bounds an alert tag, defaulting when empty.
func FormatAlert(alert string) string {
	alert = truncate(strings.TrimSpace(alert), MaxAlertLength)
	if alert == "" {
		return DefaultAlert
	}
	return alert
}

// ClampDuration bounds an interval duration in seconds. Unset durations take
// the default.
func ClampDuration(sec int64) int64 {
	if sec == 0 {
		return DefaultDurationSec
	}
	if sec < MinDurationSec {
		return MinDurationSec
	}
	if sec > MaxDurationSec {
		return MaxDurationSec
	}
	return sec
}

// ClampRemaining bounds a remaining time in milliseconds.
func ClampRemaining(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	if ms > MaxRemainingMs {
		return MaxRemainingMs
	}
	return ms
}

// FormatInterval sanitizes one interval. CustomCSS passes through untouched;
// it is opaque to the broker.
func FormatInterval(iv Interval) Interval {
	return Interval{
		Name:      FormatName(iv.Name),
		Duration:  ClampDuration(iv.Duration),
		Alert:     FormatAlert(iv.Alert),
		CustomCSS: iv.CustomCSS,
	}
}

// ParseIntervalList validates and sanitizes a submitted interval list. The
// items field must be a JSON array.
func ParseIntervalList(list *IntervalList) (*IntervalListPublic, error) {
	if list == nil {
		return nil, ErrInvalidIntervals
	}
	if trimmed := bytes.TrimSpace(list.Items); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrInvalidIntervals
	}
	var items []Interval
	if err := json.Unmarshal(list.Items, &items); err != nil {
		return nil, ErrInvalidIntervals
	}
	out := &IntervalListPublic{
		LastUpdated: list.LastUpdated,
		Items:       make([]Interval, len(items)),
	}
	for i, iv := range items {
		out.Items[i] = FormatInterval(iv)
	}
	return out, nil
}

// FormatTimer sanitizes a public timer state. A nil timer yields the stopped
// default.
func FormatTimer(t *TimerState) TimerState {
	if t == nil {
		return TimerState{Remaining: DefaultDurationSec * 1000}
	}
	out := *t
	if out.Interval < 0 {
		out.Interval = 0
	}
	out.Remaining = ClampRemaining(out.Remaining)
	// Paused is only meaningful while running.
	out.IsPaused = out.IsPaused && out.IsRunning
	return out
}

// CoreIntervals converts wire intervals to the timer core's form.
func CoreIntervals(items []Interval) []timer.Interval {
	out := make([]timer.Interval, len(items))
	for i, iv := range items {
		out[i] = timer.Interval{Name: iv.Name, Duration: iv.Duration}
	}
	return out
}

// TimerFromCore converts a core snapshot to the wire form, re-clamping so
// malformed internal state cannot escape.
func TimerFromCore(state timer.State) TimerState {
	return FormatTimer(&TimerState{
		Repeat:    state.Repeat,
		Interval:  state.Interval,
		Remaining: state.Remaining,
		IsRunning: state.IsRunning,
		IsPaused:  state.IsPaused,
	})
}

// CoreFromTimer lifts a wire timer state into a core state carrying only the
// public fields; the core rebuilds the baseline on UpdateState.
func CoreFromTimer(t TimerState) timer.State {
	t = FormatTimer(&t)
	return timer.State{
		Repeat:    t.Repeat,
		Interval:  t.Interval,
		Remaining: t.Remaining,
		IsRunning: t.IsRunning,
		IsPaused:  t.IsPaused,
	}
}
