package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/internal/protocol"
)

type fakeSocket struct {
	id     string
	open   bool
	frames [][]byte
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id, open: true}
}

func (s *fakeSocket) ID() string       { return s.id }
func (s *fakeSocket) Send(data []byte) { s.frames = append(s.frames, data) }
func (s *fakeSocket) IsOpen() bool     { return s.open }
func (s *fakeSocket) Close()           { s.open = false }

// typed returns the decoded frames of the given type, in arrival order.
func (s *fakeSocket) typed(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range s.frames {
		var msg map[string]any
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("socket %s holds invalid JSON frame: %v", s.id, err)
		}
		if msg["type"] == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (s *fakeSocket) reset() { s.frames = nil }

const (
	clientA = "aaaaaaaa-1111-4aaa-8aaa-aaaaaaaaaaaa"
	clientB = "bbbbbbbb-2222-4bbb-8bbb-bbbbbbbbbbbb"
)

func newTestBroker() (*Broker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	return NewBroker(NewStore(), clock, 5*time.Minute, 10*time.Minute), clock
}

func joinFrame(sessionID, clientID, name string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "session_join",
		"sessionId": %q,
		"session": {
			"name": "Study hall",
			"description": "",
			"intervals": {"lastUpdated": 1, "items": [
				{"name": "Work", "duration": 25},
				{"name": "Break", "duration": 5},
				{"name": "LongBreak", "duration": 15}
			]}
		},
		"timer": {"repeat": false, "interval": 0, "remaining": 25000, "isRunning": false, "isPaused": false},
		"user": {"clientId": %q, "name": %q, "avatarUrl": ""}
	}`, sessionID, clientID, name))
}

func TestJoinCreatesSession(t *testing.T) {
	broker, _ := newTestBroker()
	sock := newFakeSocket("s1")

	broker.HandleMessage(sock, joinFrame("focus-room", clientA, "Ada"))

	created := sock.typed(t, protocol.TypeSessionCreated)
	if len(created) != 1 {
		t.Fatalf("got %d session_created frames, want 1", len(created))
	}
	if created[0]["sessionId"] != "focus-room" {
		t.Errorf("sessionId = %v", created[0]["sessionId"])
	}
	if created[0]["clientId"] != clientA {
		t.Errorf("clientId = %v, want the canonical raw id echoed to the owner", created[0]["clientId"])
	}

	sessions, connections := broker.Stats()
	if sessions != 1 || connections != 1 {
		t.Errorf("stats = (%d, %d), want (1, 1)", sessions, connections)
	}
}

func TestJoinExistingSession(t *testing.T) {
	broker, _ := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")

	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("focus-room", clientB, "Brin"))

	joined := sockB.typed(t, protocol.TypeSessionJoined)
	if len(joined) != 1 {
		t.Fatalf("got %d session_joined frames, want 1", len(joined))
	}
	snapshot, ok := joined[0]["session"].(map[string]any)
	if !ok {
		t.Fatal("session_joined carries no session snapshot")
	}
	users, _ := snapshot["users"].(map[string]any)
	if len(users) != 2 {
		t.Errorf("snapshot roster has %d users, want 2", len(users))
	}

	connected := sockA.typed(t, protocol.TypeUserConnected)
	if len(connected) != 1 {
		t.Fatalf("peer got %d user_connected frames, want 1", len(connected))
	}
	if got := sockB.typed(t, protocol.TypeUserConnected); len(got) != 0 {
		t.Errorf("joiner received %d user_connected frames about itself", len(got))
	}
}

func TestJoinSecondTabIsSilent(t *testing.T) {
	broker, _ := newTestBroker()
	sockA := newFakeSocket("s1")
	tab1 := newFakeSocket("s2")
	tab2 := newFakeSocket("s3")

	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(tab1, joinFrame("focus-room", clientB, "Brin"))
	sockA.reset()
	broker.HandleMessage(tab2, joinFrame("focus-room", clientB, "Brin"))

	if got := sockA.typed(t, protocol.TypeUserConnected); len(got) != 0 {
		t.Errorf("second tab triggered %d spurious user_connected broadcasts", len(got))
	}
	if got := tab2.typed(t, protocol.TypeSessionJoined); len(got) != 1 {
		t.Errorf("second tab got %d session_joined frames, want 1", len(got))
	}
}

func TestJoinInvalidSessionID(t *testing.T) {
	broker, _ := newTestBroker()
	sock := newFakeSocket("s1")

	broker.HandleMessage(sock, joinFrame("NOT VALID!", clientA, "Ada"))

	errs := sock.typed(t, protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("got %d error frames, want 1", len(errs))
	}
	if sessions, _ := broker.Stats(); sessions != 0 {
		t.Error("invalid join must not create a session")
	}
}

func TestTimerUpdateFansOutToPeersOnly(t *testing.T) {
	broker, _ := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")
	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("focus-room", clientB, "Brin"))
	sockA.reset()
	sockB.reset()

	broker.HandleMessage(sockA, []byte(`{
		"type": "timer_update",
		"timer": {"repeat": true, "interval": 1, "remaining": 4000, "isRunning": true, "isPaused": false}
	}`))

	updates := sockB.typed(t, protocol.TypeTimerUpdated)
	if len(updates) != 1 {
		t.Fatalf("peer got %d timer_updated frames, want exactly 1", len(updates))
	}
	timer, _ := updates[0]["timer"].(map[string]any)
	if timer["interval"] != float64(1) || timer["remaining"] != float64(4000) {
		t.Errorf("timer payload = %v, want post-sync (1, 4000)", timer)
	}
	if timer["isRunning"] != true || timer["repeat"] != true {
		t.Errorf("timer flags = %v", timer)
	}
	if got := sockA.typed(t, protocol.TypeTimerUpdated); len(got) != 0 {
		t.Errorf("sender received %d of its own timer_updated frames", len(got))
	}
}

func TestSessionUpdate(t *testing.T) {
	broker, _ := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")
	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("focus-room", clientB, "Brin"))
	sockA.reset()
	sockB.reset()

	broker.HandleMessage(sockA, []byte(`{
		"type": "session_update",
		"session": {
			"name": "Deep work",
			"description": "heads down",
			"intervals": {"lastUpdated": 2, "items": [{"name": "Deep", "duration": 50}]}
		}
	}`))

	updated := sockB.typed(t, protocol.TypeSessionUpdated)
	if len(updated) != 1 {
		t.Fatalf("peer got %d session_updated frames, want 1", len(updated))
	}
	meta, _ := updated[0]["session"].(map[string]any)
	if meta["name"] != "Deep work" {
		t.Errorf("name = %v", meta["name"])
	}

	// session_updated is followed by timer_updated, in that order.
	timerFrames := sockB.typed(t, protocol.TypeTimerUpdated)
	if len(timerFrames) != 1 {
		t.Fatalf("peer got %d timer_updated frames, want 1", len(timerFrames))
	}
	var lastSession, lastTimer int
	for i, frame := range sockB.frames {
		var msg map[string]any
		_ = json.Unmarshal(frame, &msg)
		switch msg["type"] {
		case protocol.TypeSessionUpdated:
			lastSession = i
		case protocol.TypeTimerUpdated:
			lastTimer = i
		}
	}
	if lastSession > lastTimer {
		t.Error("session_updated must precede timer_updated")
	}

	if got := sockA.typed(t, protocol.TypeSessionUpdated); len(got) != 0 {
		t.Error("sender received its own session_updated")
	}
}

func TestSessionUpdateInvalidIntervals(t *testing.T) {
	broker, _ := newTestBroker()
	sock := newFakeSocket("s1")
	broker.HandleMessage(sock, joinFrame("focus-room", clientA, "Ada"))
	sock.reset()

	broker.HandleMessage(sock, []byte(`{
		"type": "session_update",
		"session": {"name": "x", "description": "", "intervals": {"lastUpdated": 2, "items": "nope"}}
	}`))

	errs := sock.typed(t, protocol.TypeError)
	if len(errs) != 1 || errs[0]["message"] != "Invalid intervals data" {
		t.Fatalf("errors = %v, want one 'Invalid intervals data'", errs)
	}
	if !sock.open {
		t.Error("a validation error must not close the connection")
	}
}

func TestMessageWithoutSession(t *testing.T) {
	broker, _ := newTestBroker()
	sock := newFakeSocket("s1")

	broker.HandleMessage(sock, []byte(`{"type":"timer_update","timer":{"interval":0,"remaining":1000,"isRunning":true,"isPaused":false,"repeat":false}}`))

	errs := sock.typed(t, protocol.TypeError)
	if len(errs) != 1 || errs[0]["message"] != "Session not found" {
		t.Fatalf("errors = %v, want one 'Session not found'", errs)
	}
}

func TestUnknownTypeAndBadJSON(t *testing.T) {
	broker, _ := newTestBroker()
	sock := newFakeSocket("s1")

	broker.HandleMessage(sock, []byte(`{"type":"warp_drive"}`))
	broker.HandleMessage(sock, []byte(`{{{`))

	errs := sock.typed(t, protocol.TypeError)
	if len(errs) != 2 {
		t.Fatalf("got %d error frames, want 2", len(errs))
	}
	if errs[0]["message"] != "Unknown message type" || errs[1]["message"] != "Invalid message format" {
		t.Errorf("errors = %v", errs)
	}
}

func TestPingShortCircuits(t *testing.T) {
	broker, _ := newTestBroker()
	sock := newFakeSocket("s1")

	broker.HandleMessage(sock, []byte(`{"type":"ping"}`))

	if got := sock.typed(t, protocol.TypePong); len(got) != 1 {
		t.Fatalf("got %d pong frames, want 1", len(got))
	}
}

func TestUserListAndIDPrivacy(t *testing.T) {
	broker, _ := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")
	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("focus-room", clientB, "Brin"))

	broker.HandleMessage(sockA, []byte(`{"type":"user_list"}`))
	rosters := sockA.typed(t, protocol.TypeUsersConnected)
	if len(rosters) != 1 {
		t.Fatalf("got %d users_connected frames, want 1", len(rosters))
	}
	users, _ := rosters[0]["users"].(map[string]any)
	if len(users) != 2 {
		t.Fatalf("roster has %d users, want 2", len(users))
	}
	for hashedID := range users {
		if len(hashedID) != 64 {
			t.Errorf("roster key %q is not a 64-char hash", hashedID)
		}
	}

	// No broadcast frame anywhere may carry a raw client id.
	for _, sock := range []*fakeSocket{sockA, sockB} {
		for _, frame := range sock.frames {
			var msg map[string]any
			_ = json.Unmarshal(frame, &msg)
			// Direct join replies echo the raw id to its owner only.
			if msg["type"] == protocol.TypeSessionCreated || msg["type"] == protocol.TypeSessionJoined {
				continue
			}
			if strings.Contains(string(frame), clientA) || strings.Contains(string(frame), clientB) {
				t.Fatalf("frame leaks a raw client id: %s", frame)
			}
		}
	}
}

func TestUserUpdate(t *testing.T) {
	broker, _ := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")
	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("focus-room", clientB, "Brin"))
	sockB.reset()

	broker.HandleMessage(sockA, []byte(`{"type":"user_update","user":{"clientId":"`+clientA+`","name":"Ada L","avatarUrl":"https://example.com/a.png"}}`))

	updates := sockB.typed(t, protocol.TypeUserUpdated)
	if len(updates) != 1 {
		t.Fatalf("peer got %d user_updated frames, want 1", len(updates))
	}
	user, _ := updates[0]["user"].(map[string]any)
	if user["name"] != "Ada L" {
		t.Errorf("name = %v", user["name"])
	}
	if user["clientId"] == clientA {
		t.Error("user_updated leaks the raw client id")
	}
}

func TestDisconnectFlipsOfflineAndStampsEmptyAt(t *testing.T) {
	broker, clock := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")
	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("focus-room", clientB, "Brin"))
	sockB.reset()

	sockA.Close()
	broker.RemoveClient(sockA)

	updates := sockB.typed(t, protocol.TypeUserUpdated)
	if len(updates) != 1 {
		t.Fatalf("peer got %d user_updated frames after disconnect, want 1", len(updates))
	}
	user, _ := updates[0]["user"].(map[string]any)
	if user["isOnline"] != false {
		t.Error("disconnected user still reported online")
	}

	sess := broker.store.Get("focus-room")
	if sess.EmptyAt != 0 {
		t.Error("emptyAt stamped while a user is still online")
	}

	sockB.Close()
	broker.RemoveClient(sockB)
	if sess.EmptyAt != clock.Now().UnixMilli() {
		t.Errorf("emptyAt = %d, want stamped at now", sess.EmptyAt)
	}
}

// Scenario: two sessions with one user each lose their sockets; the cleanup
// ticker promotes the users to offline, reaps them one interval later, and
// collects the sessions after the session timeout.
func TestOfflineReapLifecycle(t *testing.T) {
	broker, clock := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")
	broker.HandleMessage(sockA, joinFrame("room-one", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("room-two", clientB, "Brin"))

	sockA.Close()
	sockB.Close()
	broker.RemoveClient(sockA)
	broker.RemoveClient(sockB)

	clock.Advance(5*time.Minute + time.Millisecond)
	broker.Cleanup()

	for _, id := range []string{"room-one", "room-two"} {
		sess := broker.store.Get(id)
		if sess == nil {
			t.Fatalf("session %s reaped too early", id)
		}
		if len(sess.Users) != 0 {
			t.Errorf("session %s still has %d users after reap", id, len(sess.Users))
		}
		if sess.EmptyAt == 0 {
			t.Errorf("session %s missing emptyAt stamp", id)
		}
	}

	clock.Advance(10*time.Minute + time.Millisecond)
	broker.Cleanup()

	if sessions, _ := broker.Stats(); sessions != 0 {
		t.Errorf("stats report %d sessions after timeout, want 0", sessions)
	}
}

func TestReconnectBeforeReapKeepsUser(t *testing.T) {
	broker, clock := newTestBroker()
	sock := newFakeSocket("s1")
	broker.HandleMessage(sock, joinFrame("focus-room", clientA, "Ada"))

	sock.Close()
	broker.RemoveClient(sock)
	clock.Advance(2 * time.Minute)

	again := newFakeSocket("s2")
	broker.HandleMessage(again, joinFrame("focus-room", clientA, "Ada"))

	sess := broker.store.Get("focus-room")
	user := sess.Users[clientA]
	if user == nil {
		t.Fatal("user record dropped on reconnect")
	}
	if user.OfflineAt != 0 {
		t.Error("reconnect must clear offlineAt")
	}
	if sess.EmptyAt != 0 {
		t.Error("reconnect must clear emptyAt")
	}

	clock.Advance(6 * time.Minute)
	broker.Cleanup()
	if broker.store.Get("focus-room") == nil {
		t.Error("session with an online user was reaped")
	}
}

func TestLookup(t *testing.T) {
	broker, _ := newTestBroker()
	sock := newFakeSocket("s1")
	broker.HandleMessage(sock, joinFrame("focus-room", clientA, "Ada"))

	snapshot := broker.Lookup("focus-room")
	if snapshot == nil {
		t.Fatal("lookup returned nil for a live session")
	}
	if snapshot.SessionID != "focus-room" || len(snapshot.Intervals.Items) != 3 {
		t.Errorf("snapshot = %+v", snapshot)
	}
	for key := range snapshot.Users {
		if len(key) != 64 {
			t.Errorf("lookup roster key %q is not hashed", key)
		}
	}

	if broker.Lookup("no-such-room") != nil {
		t.Error("lookup for unknown id must return nil")
	}
	if broker.Lookup("***") != nil {
		t.Error("lookup for malformed id must return nil")
	}
}

func TestBroadcastSkipsClosedSockets(t *testing.T) {
	broker, _ := newTestBroker()
	sockA := newFakeSocket("s1")
	sockB := newFakeSocket("s2")
	broker.HandleMessage(sockA, joinFrame("focus-room", clientA, "Ada"))
	broker.HandleMessage(sockB, joinFrame("focus-room", clientB, "Brin"))
	sockB.reset()
	sockB.open = false

	broker.HandleMessage(sockA, []byte(`{"type":"timer_update","timer":{"interval":0,"remaining":1000,"isRunning":true,"isPaused":false,"repeat":false}}`))

	if len(sockB.frames) != 0 {
		t.Errorf("closed socket received %d frames", len(sockB.frames))
	}
}
