// ABOUTME: Tests for the tasking engine: queuing, dequeue-next, results, history, fan-out.
// ABOUTME: Uses a fake notifier/recorder pair to observe side effects deterministically.

package tasking

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNotifier collects published events for inspection.
type fakeNotifier struct {
	mu           sync.Mutex
	sessionLists [][]Info
	updates      []CommandDeltaRecord
	checkins     []CheckinAlert
}

type CommandDeltaRecord struct {
	SessionID string
	Command   Command
}

func (f *fakeNotifier) SessionList(sessions []Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionLists = append(f.sessionLists, sessions)
}

func (f *fakeNotifier) CommandUpdate(sessionID string, cmd Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, CommandDeltaRecord{SessionID: sessionID, Command: cmd})
}

func (f *fakeNotifier) Checkin(alert CheckinAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkins = append(f.checkins, alert)
}

func (f *fakeNotifier) lastUpdate() (CommandDeltaRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return CommandDeltaRecord{}, false
	}
	return f.updates[len(f.updates)-1], true
}

// fakeRecorder collects ledger writes.
type fakeRecorder struct {
	mu       sync.Mutex
	sessions []Info
	commands []CommandDeltaRecord
}

func (f *fakeRecorder) SessionSeen(info Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, info)
}

func (f *fakeRecorder) CommandEvent(sessionID string, cmd Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, CommandDeltaRecord{SessionID: sessionID, Command: cmd})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *fakeNotifier, *fakeRecorder) {
	t.Helper()
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}
	registry := NewRegistry(0, 0, testLogger())
	engine := NewEngine(registry, notifier, recorder, testLogger())
	return engine, notifier, recorder
}

func TestEngine_Register_NewSession(t *testing.T) {
	engine, notifier, recorder := newTestEngine(t)

	res := engine.Register("", "192.0.2.10", Identity{Hostname: "ws01", Username: "alice"})

	require.True(t, res.New)
	assert.False(t, res.Reconnected)
	assert.Len(t, res.Session.ID(), 32, "session id should be 32 hex chars")

	info := res.Session.Info()
	assert.Equal(t, "ws01", info.Hostname)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, "192.0.2.10", info.RemoteAddress)
	assert.Equal(t, DefaultPollInterval, info.Interval)

	require.Len(t, notifier.checkins, 1)
	assert.Equal(t, res.Session.ID(), notifier.checkins[0].SessionID)
	assert.False(t, notifier.checkins[0].Reconnected)
	require.Len(t, recorder.sessions, 1)
}

func TestEngine_Register_KnownHintUpdates(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)

	first := engine.Register("", "192.0.2.10", Identity{Hostname: "ws01"})
	id := first.Session.ID()

	second := engine.Register(id, "192.0.2.11", Identity{Username: "bob"})

	assert.False(t, second.New)
	assert.False(t, second.Reconnected)
	assert.Equal(t, id, second.Session.ID())

	info := second.Session.Info()
	assert.Equal(t, "ws01", info.Hostname, "empty hostname must not clear stored value")
	assert.Equal(t, "bob", info.Username)
	assert.Equal(t, "192.0.2.11", info.RemoteAddress)

	// only the first registration raises a check-in
	assert.Len(t, notifier.checkins, 1)
}

func TestEngine_Register_UnknownHintCreatesWithThatID(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	res := engine.Register("0123456789abcdef0123456789abcdef", "192.0.2.10", Identity{})

	require.True(t, res.New)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", res.Session.ID())
}

func TestEngine_Register_StaleReconnect(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.registry.now = func() time.Time { return base }
	engine.now = engine.registry.now

	first := engine.Register("", "192.0.2.10", Identity{Hostname: "ws01"})
	id := first.Session.ID()

	// beyond the stale threshold
	engine.registry.now = func() time.Time { return base.Add(31 * time.Minute) }
	second := engine.Register(id, "192.0.2.10", Identity{})

	assert.False(t, second.New)
	assert.True(t, second.Reconnected)
	require.Len(t, notifier.checkins, 2)
	assert.True(t, notifier.checkins[1].Reconnected)

	// a third check-in right after is neither new nor a reconnect
	third := engine.Register(id, "192.0.2.10", Identity{})
	assert.False(t, third.New)
	assert.False(t, third.Reconnected)
	assert.Len(t, notifier.checkins, 2)
}

func TestEngine_Queue_Order(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

	cmdA, ok := engine.Queue(id, "whoami")
	require.True(t, ok)
	cmdB, ok := engine.Queue(id, "hostname")
	require.True(t, ok)

	assert.Len(t, cmdA.ID, 32)
	assert.NotEqual(t, cmdA.ID, cmdB.ID)
	assert.Equal(t, StatusPending, cmdA.Status)

	first, known := engine.Next(id)
	require.True(t, known)
	require.NotNil(t, first)
	assert.Equal(t, "whoami", first.Text)
	assert.Equal(t, StatusIssued, first.Status)
	require.NotNil(t, first.SentAt)

	second, known := engine.Next(id)
	require.True(t, known)
	require.NotNil(t, second)
	assert.Equal(t, "hostname", second.Text)

	// at most once: the queue is drained
	third, known := engine.Next(id)
	require.True(t, known)
	assert.Nil(t, third)
}

func TestEngine_Queue_Rejections(t *testing.T) {
	engine, _, recorder := newTestEngine(t)
	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

	_, ok := engine.Queue(id, "   ")
	assert.False(t, ok, "blank text must be rejected")

	_, ok = engine.Queue("nope", "whoami")
	assert.False(t, ok, "unknown session must be rejected")

	assert.Empty(t, engine.History(id))
	assert.Empty(t, recorder.commands)
}

func TestEngine_Next_UnknownSession(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	cmd, known := engine.Next("missing")
	assert.Nil(t, cmd)
	assert.False(t, known)
}

func TestEngine_RecordResult_Completed(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)
	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

	queued, _ := engine.Queue(id, "whoami")
	issued, _ := engine.Next(id)
	require.NotNil(t, issued)

	engine.RecordResult(id, Result{CommandID: queued.ID, Output: "corp\\alice"})

	history := engine.History(id)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCompleted, history[0].Status)
	assert.Equal(t, "corp\\alice", history[0].Result)
	require.NotNil(t, history[0].CompletedAt)

	last, ok := notifier.lastUpdate()
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, last.Command.Status)
}

func TestEngine_RecordResult_Error(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

	queued, _ := engine.Queue(id, "badcmd")
	engine.Next(id)
	engine.RecordResult(id, Result{CommandID: queued.ID, Output: "not recognized", HasError: true})

	history := engine.History(id)
	require.Len(t, history, 1)
	assert.Equal(t, StatusError, history[0].Status)
}

func TestEngine_RecordResult_UnknownCommandID(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)
	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()
	before := len(notifier.updates)

	engine.RecordResult(id, Result{CommandID: "0123456789abcdef0123456789abcdef", Output: "x"})

	assert.Empty(t, engine.History(id), "unknown command id must not fabricate history")
	assert.Len(t, notifier.updates, before, "no command update for unmatched result")
}

func TestEngine_RecordResult_MissingCommandID(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

	engine.RecordResult(id, Result{Output: "orphan"})
	assert.Empty(t, engine.History(id))
}

func TestEngine_Next_TouchesLastSeen(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.registry.now = func() time.Time { return base }
	engine.now = func() time.Time { return base }

	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

	later := base.Add(time.Minute)
	engine.now = func() time.Time { return later }

	cmd, known := engine.Next(id)
	require.True(t, known)
	assert.Nil(t, cmd)

	info, _ := engine.Session(id)
	assert.Equal(t, later, info.LastSeen, "an empty poll still counts as a check-in")
}

func TestEngine_RecordResult_UpdatesLastSeen(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.registry.now = func() time.Time { return base }
	engine.now = func() time.Time { return base }

	res := engine.Register("", "192.0.2.10", Identity{})
	id := res.Session.ID()
	queued, _ := engine.Queue(id, "whoami")

	later := base.Add(2 * time.Minute)
	engine.now = func() time.Time { return later }
	engine.RecordResult(id, Result{CommandID: queued.ID, Output: "ok"})

	info, ok := engine.Session(id)
	require.True(t, ok)
	assert.Equal(t, later, info.LastSeen)
}

func TestEngine_IntervalChange(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		hasError bool
		want     int
	}{
		{"applies on success", "sleep 5", false, 5},
		{"case insensitive verb", "SLEEP 120", false, 120},
		{"not applied on error", "sleep 5", true, DefaultPollInterval},
		{"malformed argument ignored", "sleep soon", false, DefaultPollInterval},
		{"missing argument ignored", "sleep", false, DefaultPollInterval},
		{"unrelated command ignored", "whoami", false, DefaultPollInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, _ := newTestEngine(t)
			id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

			queued, ok := engine.Queue(id, tt.text)
			require.True(t, ok)
			engine.Next(id)
			engine.RecordResult(id, Result{CommandID: queued.ID, Output: "done", HasError: tt.hasError})

			info, found := engine.Session(id)
			require.True(t, found)
			assert.Equal(t, tt.want, info.Interval)
		})
	}
}

func TestEngine_History_Unknown(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	history := engine.History("missing")
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestEngine_History_Ascending(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	engine.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()
	engine.Queue(id, "first")
	engine.Queue(id, "second")
	engine.Queue(id, "third")

	history := engine.History(id)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Text)
	assert.Equal(t, "second", history[1].Text)
	assert.Equal(t, "third", history[2].Text)
	assert.True(t, history[0].IssuedAt.Before(history[2].IssuedAt))
}

func TestEngine_Remove(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()
	engine.Queue(id, "whoami")

	assert.True(t, engine.Remove(id))
	assert.False(t, engine.SessionExists(id))
	assert.False(t, engine.Remove(id), "second remove reports missing")

	_, known := engine.Next(id)
	assert.False(t, known)
}

func TestEngine_Touch(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	assert.False(t, engine.Touch("missing"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.registry.now = func() time.Time { return base }
	engine.now = func() time.Time { return base }

	id := engine.Register("", "192.0.2.10", Identity{}).Session.ID()

	engine.now = func() time.Time { return base.Add(time.Minute) }
	require.True(t, engine.Touch(id))

	info, _ := engine.Session(id)
	assert.Equal(t, base.Add(time.Minute), info.LastSeen)
}

// Full agent loop: register, operator queues work, agent drains and reports.
func TestEngine_Lifecycle(t *testing.T) {
	engine, notifier, recorder := newTestEngine(t)

	res := engine.Register("", "203.0.113.7", Identity{Hostname: "dc01", Username: "svc", ProcessName: "w3wp", ProcessID: 4242})
	id := res.Session.ID()

	queued, ok := engine.Queue(id, "whoami")
	require.True(t, ok)

	issued, known := engine.Next(id)
	require.True(t, known)
	require.NotNil(t, issued)
	assert.Equal(t, queued.ID, issued.ID)

	engine.RecordResult(id, Result{CommandID: issued.ID, Output: "nt authority\\system"})

	history := engine.History(id)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCompleted, history[0].Status)
	assert.Equal(t, "nt authority\\system", history[0].Result)

	// fan-out saw pending -> issued -> completed in order
	require.GreaterOrEqual(t, len(notifier.updates), 2)
	assert.Equal(t, StatusIssued, notifier.updates[0].Command.Status)
	assert.Equal(t, StatusCompleted, notifier.updates[len(notifier.updates)-1].Command.Status)

	// ledger saw the session and every command transition
	require.NotEmpty(t, recorder.sessions)
	require.GreaterOrEqual(t, len(recorder.commands), 3)
	assert.Equal(t, StatusPending, recorder.commands[0].Command.Status)
}
