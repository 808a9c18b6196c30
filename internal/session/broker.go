package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/internal/protocol"
	"github.com/mcdev12/pomosync/internal/timer"
	"github.com/rs/zerolog/log"
)

// handlerFunc processes one inbound message. A returned error is sent back to
// the sender on the wire error channel; the connection stays open.
type handlerFunc func(sock Socket, env *protocol.Envelope) error

// binding ties a socket to the session and client it joined as.
type binding struct {
	sessionID string
	clientID  string
}

// Broker owns the session store and drives every mutation. Inbound frames
// arrive from the transport adapter via HandleMessage; a clock-driven cleanup
// loop promotes users to offline and reaps empty sessions. Concurrent
// mutations to one session are linearized by the session lock.
type Broker struct {
	store           *Store
	clock           clockwork.Clock
	cleanupInterval time.Duration
	sessionTimeout  time.Duration

	mu       sync.Mutex // guards bindings and session create
	bindings map[string]*binding

	handlers map[string]handlerFunc
}

// NewBroker creates a broker over the given store. cleanupInterval and
// sessionTimeout fall back to the protocol defaults when zero.
func NewBroker(store *Store, clock clockwork.Clock, cleanupInterval, sessionTimeout time.Duration) *Broker {
	if cleanupInterval <= 0 {
		cleanupInterval = protocol.CleanupInterval
	}
	if sessionTimeout <= 0 {
		sessionTimeout = protocol.SessionTimeout
	}
	b := &Broker{
		store:           store,
		clock:           clock,
		cleanupInterval: cleanupInterval,
		sessionTimeout:  sessionTimeout,
		bindings:        make(map[string]*binding),
	}
	b.handlers = map[string]handlerFunc{
		protocol.TypeSessionJoin:   b.handleSessionJoin,
		protocol.TypeSessionUpdate: b.handleSessionUpdate,
		protocol.TypeTimerUpdate:   b.handleTimerUpdate,
		protocol.TypeUserUpdate:    b.handleUserUpdate,
		protocol.TypeUserList:      b.handleUserList,
	}
	return b
}

func (b *Broker) now() int64 {
	return b.clock.Now().UnixMilli()
}

// Run drives the periodic cleanup until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	log.Info().Dur("interval", b.cleanupInterval).Msg("session cleanup started")
	ticker := b.clock.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session cleanup stopped")
			return
		case <-ticker.Chan():
			b.Cleanup()
		}
	}
}

// HandleMessage ingests one inbound text frame from a socket. Errors are
// recovered at the message boundary: one bad message never terminates a
// session or a connection.
func (b *Broker) HandleMessage(sock Socket, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		b.sendError(sock, err.Error())
		return
	}

	// Heartbeat short-circuits before session dispatch.
	if env.Type == protocol.TypePing {
		b.send(sock, protocol.Pong{Type: protocol.TypePong})
		return
	}

	handler, ok := b.handlers[env.Type]
	if !ok {
		b.sendError(sock, protocol.ErrUnknownType.Error())
		return
	}
	if err := handler(sock, env); err != nil {
		log.Debug().Err(err).Str("type", env.Type).Str("socket_id", sock.ID()).Msg("message rejected")
		b.sendError(sock, err.Error())
	}
}

// handleSessionJoin creates or joins a session for the sending socket.
func (b *Broker) handleSessionJoin(sock Socket, env *protocol.Envelope) error {
	sessionID, err := protocol.FormatSessionID(env.SessionID)
	if err != nil {
		return err
	}

	var submitted protocol.UserUpdate
	if env.User != nil {
		submitted = *env.User
	}
	clientID := protocol.FormatClientID(submitted.ClientID)

	b.mu.Lock()
	sess := b.store.Get(sessionID)
	isNew := sess == nil
	if isNew {
		sess = b.createSession(sessionID, env)
		b.store.Put(sess)
	}
	b.bindings[sock.ID()] = &binding{sessionID: sessionID, clientID: clientID}
	b.mu.Unlock()

	sess.mu.Lock()
	// Re-anchor the session clock before anyone sees the snapshot.
	sess.Timer = protocol.TimerFromCore(sess.Core.Sync())

	user, existed := sess.Users[clientID]
	wasOnline := existed && user.IsOnline()
	if existed {
		user.Sockets[sock.ID()] = sock
		user.LastPing = b.now()
		user.OfflineAt = 0
		if env.User != nil {
			if name := protocol.FormatName(submitted.Name); name != "" {
				user.Name = name
			}
			if avatar := protocol.FormatAvatarURL(submitted.AvatarURL); avatar != "" {
				user.AvatarURL = avatar
			}
		}
	} else {
		user = &User{
			ClientID:  clientID,
			HashedID:  protocol.HashClientID(clientID),
			Name:      protocol.FormatName(submitted.Name),
			AvatarURL: protocol.FormatAvatarURL(submitted.AvatarURL),
			Sockets:   map[string]Socket{sock.ID(): sock},
			LastPing:  b.now(),
		}
		sess.Users[clientID] = user
	}

	if sess.AnyOnline() {
		sess.EmptyAt = 0
	}

	if isNew {
		b.send(sock, protocol.SessionCreated{
			Type:      protocol.TypeSessionCreated,
			SessionID: sess.ID,
			ClientID:  clientID,
		})
	} else {
		b.send(sock, protocol.SessionJoined{
			Type:      protocol.TypeSessionJoined,
			SessionID: sess.ID,
			ClientID:  clientID,
			Session:   sess.Public(),
		})
	}

	// A user opening a second tab is already connected; only a zero-to-one
	// socket transition is announced.
	if !wasOnline {
		b.broadcast(sess, protocol.UserEvent{
			Type:      protocol.TypeUserConnected,
			SessionID: sess.ID,
			User:      user.Public(),
		}, sock.ID(), clientID)
	}
	sess.mu.Unlock()

	log.Info().
		Str("session_id", sess.ID).
		Str("client_id", user.HashedID).
		Bool("created", isNew).
		Msg("client joined session")
	return nil
}

// createSession builds a session from the join payload. Callers hold b.mu.
func (b *Broker) createSession(sessionID string, env *protocol.Envelope) *Session {
	intervals := protocol.IntervalListPublic{Items: []protocol.Interval{}}
	var name, description string
	if env.Session != nil {
		name = protocol.FormatName(env.Session.Name)
		description = protocol.FormatDescription(env.Session.Description)
		if parsed, err := protocol.ParseIntervalList(env.Session.Intervals); err == nil {
			intervals = *parsed
		}
	}

	core := timer.NewCore(protocol.CoreIntervals(intervals.Items), b.clock)
	if env.Timer != nil {
		state := protocol.FormatTimer(env.Timer)
		core.UpdateState(protocol.CoreFromTimer(state))
	}

	now := b.now()
	return &Session{
		ID:           sessionID,
		Name:         name,
		Description:  description,
		Intervals:    intervals,
		Timer:        protocol.TimerFromCore(core.GetState()),
		Core:         core,
		Users:        make(map[string]*User),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// handleSessionUpdate overwrites session metadata and intervals, then fans
// out session_updated followed by timer_updated.
func (b *Broker) handleSessionUpdate(sock Socket, env *protocol.Envelope) error {
	sess, _ := b.resolve(sock)
	if sess == nil {
		return protocol.ErrSessionNotFound
	}
	if env.Session == nil {
		return protocol.ErrInvalidIntervals
	}
	parsed, err := protocol.ParseIntervalList(env.Session.Intervals)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.Name = protocol.FormatName(env.Session.Name)
	sess.Description = protocol.FormatDescription(env.Session.Description)
	sess.Intervals = *parsed

	sess.Core.UpdateIntervals(protocol.CoreIntervals(parsed.Items))
	if env.Timer != nil {
		state := protocol.FormatTimer(env.Timer)
		sess.Core.UpdateState(protocol.CoreFromTimer(state))
	}
	sess.Timer = protocol.TimerFromCore(sess.Core.Sync())
	sess.LastActivity = b.now()

	// Two messages so clients re-render metadata and timer independently.
	b.broadcast(sess, protocol.SessionUpdated{
		Type:      protocol.TypeSessionUpdated,
		SessionID: sess.ID,
		Session:   sess.Meta(),
	}, sock.ID(), "")
	b.broadcast(sess, protocol.TimerUpdated{
		Type:      protocol.TypeTimerUpdated,
		SessionID: sess.ID,
		Timer:     sess.Timer,
	}, sock.ID(), "")
	sess.mu.Unlock()

	log.Debug().Str("session_id", sess.ID).Int("intervals", len(parsed.Items)).Msg("session updated")
	return nil
}

// handleTimerUpdate imports a peer's timer view and fans out the post-sync
// state.
func (b *Broker) handleTimerUpdate(sock Socket, env *protocol.Envelope) error {
	sess, _ := b.resolve(sock)
	if sess == nil {
		return protocol.ErrSessionNotFound
	}
	if env.Timer == nil {
		return protocol.ErrInvalidFormat
	}

	sess.mu.Lock()
	state := protocol.FormatTimer(env.Timer)
	sess.Core.UpdateState(protocol.CoreFromTimer(state))
	sess.Timer = protocol.TimerFromCore(sess.Core.Sync())

	b.broadcast(sess, protocol.TimerUpdated{
		Type:      protocol.TypeTimerUpdated,
		SessionID: sess.ID,
		Timer:     sess.Timer,
	}, sock.ID(), "")
	sess.mu.Unlock()
	return nil
}

// handleUserUpdate updates the sender's own profile fields.
func (b *Broker) handleUserUpdate(sock Socket, env *protocol.Envelope) error {
	sess, bind := b.resolve(sock)
	if sess == nil {
		return protocol.ErrSessionNotFound
	}
	if env.User == nil {
		return protocol.ErrInvalidFormat
	}

	sess.mu.Lock()
	user, ok := sess.Users[bind.clientID]
	if !ok {
		sess.mu.Unlock()
		return protocol.ErrSessionNotFound
	}
	user.Name = protocol.FormatName(env.User.Name)
	user.AvatarURL = protocol.FormatAvatarURL(env.User.AvatarURL)

	b.broadcast(sess, protocol.UserEvent{
		Type:      protocol.TypeUserUpdated,
		SessionID: sess.ID,
		User:      user.Public(),
	}, sock.ID(), "")
	sess.mu.Unlock()
	return nil
}

// handleUserList replies to the sender with the full roster.
func (b *Broker) handleUserList(sock Socket, _ *protocol.Envelope) error {
	sess, _ := b.resolve(sock)
	if sess == nil {
		return protocol.ErrSessionNotFound
	}

	sess.mu.Lock()
	msg := protocol.UsersConnected{
		Type:      protocol.TypeUsersConnected,
		SessionID: sess.ID,
		Users:     sess.PublicUsers(),
	}
	sess.mu.Unlock()

	b.send(sock, msg)
	return nil
}

// RemoveClient is called by the transport adapter when a socket closes. The
// last socket of a user flips it offline and notifies peers; the last online
// user of a session stamps emptyAt.
func (b *Broker) RemoveClient(sock Socket) {
	b.mu.Lock()
	bind := b.bindings[sock.ID()]
	delete(b.bindings, sock.ID())
	b.mu.Unlock()

	if bind == nil {
		return
	}
	sess := b.store.Get(bind.sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	user, ok := sess.Users[bind.clientID]
	if !ok {
		return
	}
	delete(user.Sockets, sock.ID())

	if !user.IsOnline() {
		user.OfflineAt = b.now()
		// Peers see the offline flag flip.
		b.broadcast(sess, protocol.UserEvent{
			Type:      protocol.TypeUserUpdated,
			SessionID: sess.ID,
			User:      user.Public(),
		}, sock.ID(), "")
		log.Debug().
			Str("session_id", sess.ID).
			Str("client_id", user.HashedID).
			Msg("user went offline")
	}
	if !sess.AnyOnline() && sess.EmptyAt == 0 {
		sess.EmptyAt = b.now()
	}
}

// Cleanup runs the three reaping passes: offline promotion, offline-user
// removal, empty-session collection.
func (b *Broker) Cleanup() {
	now := b.now()
	b.trackOffline(now)
	b.reapUsers(now)
	b.reapSessions(now)
}

func (b *Broker) trackOffline(now int64) {
	b.store.Range(func(sess *Session) bool {
		sess.mu.Lock()
		for _, user := range sess.Users {
			if user.IsOnline() {
				user.OfflineAt = 0
			} else if user.OfflineAt == 0 {
				user.OfflineAt = now
			}
		}
		sess.mu.Unlock()
		return true
	})
}

func (b *Broker) reapUsers(now int64) {
	b.store.Range(func(sess *Session) bool {
		sess.mu.Lock()
		for clientID, user := range sess.Users {
			if user.OfflineAt == 0 || now-user.OfflineAt <= b.cleanupInterval.Milliseconds() {
				continue
			}
			delete(sess.Users, clientID)
			b.broadcast(sess, protocol.UserEvent{
				Type:      protocol.TypeUserDisconnected,
				SessionID: sess.ID,
				User:      user.Public(),
			}, "", "")
			log.Info().
				Str("session_id", sess.ID).
				Str("client_id", user.HashedID).
				Msg("reaped offline user")
		}
		if len(sess.Users) == 0 && sess.EmptyAt == 0 {
			sess.EmptyAt = now
		}
		sess.mu.Unlock()
		return true
	})
}

func (b *Broker) reapSessions(now int64) {
	var expired []string
	b.store.Range(func(sess *Session) bool {
		sess.mu.Lock()
		if !sess.AnyOnline() && sess.EmptyAt != 0 && now-sess.EmptyAt > b.sessionTimeout.Milliseconds() {
			expired = append(expired, sess.ID)
		}
		sess.mu.Unlock()
		return true
	})
	for _, id := range expired {
		b.store.Delete(id)
		log.Info().Str("session_id", id).Msg("reaped empty session")
	}
}

// Lookup returns the sanitized snapshot for the public read API, syncing the
// timer first so the observer sees a coherent state.
func (b *Broker) Lookup(sessionID string) *protocol.SessionPublic {
	id, err := protocol.FormatSessionID(sessionID)
	if err != nil {
		return nil
	}
	sess := b.store.Get(id)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.Timer = protocol.TimerFromCore(sess.Core.Sync())
	return sess.Public()
}

// Stats reports gauge values for the stats endpoint.
func (b *Broker) Stats() (sessions, connections int) {
	b.mu.Lock()
	connections = len(b.bindings)
	b.mu.Unlock()
	return b.store.Len(), connections
}

// Shutdown clears the session map. Sockets are closed by the transport
// adapter.
func (b *Broker) Shutdown() {
	var ids []string
	b.store.Range(func(sess *Session) bool {
		ids = append(ids, sess.ID)
		return true
	})
	for _, id := range ids {
		b.store.Delete(id)
	}
	b.mu.Lock()
	b.bindings = make(map[string]*binding)
	b.mu.Unlock()
	log.Info().Int("sessions", len(ids)).Msg("broker shut down")
}

// resolve maps a socket to the session it joined, or nil.
func (b *Broker) resolve(sock Socket) (*Session, *binding) {
	b.mu.Lock()
	bind := b.bindings[sock.ID()]
	b.mu.Unlock()
	if bind == nil {
		return nil, nil
	}
	return b.store.Get(bind.sessionID), bind
}

// broadcast fans one message out to every socket of every user in the
// session. excludeSocket skips one connection; ignoreClient skips every
// socket of one user. Sockets that are not open are silently dropped.
// Callers hold sess.mu.
func (b *Broker) broadcast(sess *Session, msg any, excludeSocket, ignoreClient string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to marshal broadcast")
		return
	}
	for clientID, user := range sess.Users {
		if ignoreClient != "" && clientID == ignoreClient {
			continue
		}
		for socketID, sock := range user.Sockets {
			if socketID == excludeSocket || !sock.IsOpen() {
				continue
			}
			sock.Send(data)
		}
	}
}

// send serializes one message to a single socket.
func (b *Broker) send(sock Socket, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	if sock.IsOpen() {
		sock.Send(data)
	}
}

func (b *Broker) sendError(sock Socket, message string) {
	b.send(sock, protocol.ErrorMessage{Type: protocol.TypeError, Message: message})
}

// NewSocketID mints a per-connection identifier for the transport adapter.
func NewSocketID() string {
	return uuid.New().String()
}
