// ABOUTME: Tasking engine: the operations agents and operators invoke against the session registry.
// ABOUTME: Queue, dequeue-next, record-result, and history, with fire-and-forget fan-out side effects.

package tasking

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// intervalVerb is the reserved command prefix whose successful completion
// updates the session's cached poll interval.
const intervalVerb = "sleep "

// Notifier receives state-change events from the engine. Implementations
// must never block: every call is fire-and-forget from the engine's
// perspective and failures stay on the notifier's side.
type Notifier interface {
	SessionList(sessions []Info)
	CommandUpdate(sessionID string, cmd Command)
	Checkin(alert CheckinAlert)
}

// Recorder receives durable-ledger writes. Same contract as Notifier:
// non-blocking, best-effort.
type Recorder interface {
	SessionSeen(info Info)
	CommandEvent(sessionID string, cmd Command)
}

// CheckinAlert announces a new or returned agent to observers.
type CheckinAlert struct {
	SessionID     string    `json:"sessionId"`
	Hostname      string    `json:"hostname"`
	RemoteAddress string    `json:"remoteAddress"`
	Username      string    `json:"username"`
	CheckinTime   time.Time `json:"checkinTime"`
	Reconnected   bool      `json:"reconnected"`
}

// Engine composes the session registry with notification fan-out and the
// durable ledger. All operations complete in the cost of a map lookup plus a
// short lock hold; none blocks on I/O or on another session's lock.
type Engine struct {
	registry *Registry
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires an engine over the registry. notifier and recorder may be
// nil, in which case the corresponding side effects are skipped.
func NewEngine(registry *Registry, notifier Notifier, recorder Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		notifier: notifier,
		recorder: recorder,
		logger:   logger.With("component", "tasking"),
		now:      time.Now,
	}
}

// Register registers or refreshes a session and publishes the resulting
// session list. New and reconnected sessions additionally raise a check-in
// alert.
func (e *Engine) Register(hintID, remoteAddr string, ident Identity) RegisterResult {
	res := e.registry.RegisterOrUpdate(hintID, remoteAddr, ident)
	info := res.Session.Info()

	e.publishSessionList()
	if res.New || res.Reconnected {
		e.publishCheckin(CheckinAlert{
			SessionID:     info.ID,
			Hostname:      info.Hostname,
			RemoteAddress: info.RemoteAddress,
			Username:      info.Username,
			CheckinTime:   info.LastSeen,
			Reconnected:   res.Reconnected,
		})
	}
	if e.recorder != nil {
		e.recorder.SessionSeen(info)
	}
	return res
}

// SessionExists reports whether a session id is currently registered.
func (e *Engine) SessionExists(id string) bool {
	_, ok := e.registry.Get(id)
	return ok
}

// Sessions snapshots the current session list.
func (e *Engine) Sessions() []Info {
	return e.registry.List()
}

// Session snapshots a single session.
func (e *Engine) Session(id string) (Info, bool) {
	s, ok := e.registry.Get(id)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Touch updates a session's lastSeen (an agent polled but nothing else
// changed) and publishes a session-list snapshot. Returns false for unknown
// sessions.
func (e *Engine) Touch(id string) bool {
	s, ok := e.registry.Get(id)
	if !ok {
		return false
	}
	s.touch(e.now().UTC())
	e.publishSessionList()
	return true
}

// Remove deletes a session and everything it owns, then publishes a
// refreshed session list. Returns whether the session existed.
func (e *Engine) Remove(id string) bool {
	removed := e.registry.Remove(id)
	if removed {
		e.logger.Info("agent session removed", "session_id", shortID(id))
		e.publishSessionList()
	} else {
		e.logger.Warn("remove requested for unknown session", "session_id", shortID(id))
	}
	return removed
}

// Queue creates a command for the session and stages it for delivery. The
// history append happens before the enqueue so a dequeuer can always find
// the delivered command in history. Returns false for blank text or an
// unknown session, with no history entry created anywhere.
func (e *Engine) Queue(sessionID, text string) (Command, bool) {
	if strings.TrimSpace(text) == "" {
		return Command{}, false
	}
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return Command{}, false
	}

	cmd := newCommand(text, e.now().UTC())
	s.mu.Lock()
	s.history = append(s.history, cmd)
	s.mu.Unlock()
	s.enqueue(cmd)

	e.logger.Info("command queued",
		"session_id", shortID(sessionID),
		"command_id", shortID(cmd.ID),
	)
	if e.recorder != nil {
		e.recorder.CommandEvent(sessionID, *cmd)
	}
	return *cmd, true
}

// Next pops the next pending command for the session, transitioning it to
// issued. The second return reports whether the session is known; a known
// session with an empty queue yields (nil, true), the normal frequent case.
// A given command is delivered to at most one Next call.
func (e *Engine) Next(sessionID string) (*Command, bool) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return nil, false
	}

	// A poll is proof of life even when the queue is empty.
	now := e.now().UTC()
	s.touch(now)
	e.publishSessionList()

	cmd := s.dequeue()
	if cmd == nil {
		return nil, true
	}

	delivered := e.issue(s, cmd, now)

	e.logger.Info("command issued",
		"session_id", shortID(sessionID),
		"command_id", shortID(delivered.ID),
		"text", delivered.Text,
	)
	e.publishCommandUpdate(sessionID, delivered)
	if e.recorder != nil {
		e.recorder.CommandEvent(sessionID, delivered)
	}
	return &delivered, true
}

// issue stamps the popped command as issued and synchronizes the history
// entry. The queue and history share pointers, but the history is still
// scanned by id: a miss means the queue and history disagree, which is a
// consistency bug worth surfacing without failing the poll.
func (e *Engine) issue(s *Session, cmd *Command, now time.Time) Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hist *Command
	for _, h := range s.history {
		if h.ID == cmd.ID {
			hist = h
			break
		}
	}
	if hist == nil {
		e.logger.Error("dequeued command missing from history",
			"session_id", shortID(s.id),
			"command_id", shortID(cmd.ID),
		)
		cmd.Status = StatusIssued
		cmd.SentAt = &now
		return *cmd
	}
	hist.Status = StatusIssued
	hist.SentAt = &now
	return *hist
}

// RecordResult applies an agent's result submission. Unknown sessions,
// missing command ids, and unmatched commands are warnings and no-ops; an
// unknown command id never fabricates a history entry.
func (e *Engine) RecordResult(sessionID string, res Result) {
	if res.CommandID == "" {
		e.logger.Warn("result with missing command id", "session_id", shortID(sessionID))
		return
	}
	s, ok := e.registry.Get(sessionID)
	if !ok {
		e.logger.Warn("result from unknown session",
			"session_id", shortID(sessionID),
			"command_id", shortID(res.CommandID),
		)
		return
	}

	now := e.now().UTC()
	s.touch(now)

	var done *Command
	s.mu.Lock()
	for _, h := range s.history {
		if h.ID == res.CommandID {
			h.Result = res.Output
			h.CompletedAt = &now
			if res.HasError {
				h.Status = StatusError
			} else {
				h.Status = StatusCompleted
			}
			c := *h
			done = &c
			break
		}
	}
	s.mu.Unlock()

	if done == nil {
		e.logger.Warn("result for unknown command id",
			"session_id", shortID(sessionID),
			"command_id", shortID(res.CommandID),
		)
	} else {
		if !res.HasError {
			e.applyIntervalChange(s, done.Text)
		}
		e.logger.Info("command result recorded",
			"session_id", shortID(sessionID),
			"command_id", shortID(done.ID),
			"status", string(done.Status),
		)
		e.publishCommandUpdate(sessionID, *done)
		if e.recorder != nil {
			e.recorder.CommandEvent(sessionID, *done)
		}
	}

	// lastSeen changed either way.
	e.publishSessionList()
}

// applyIntervalChange parses the numeric argument of a completed interval
// command and updates the session's cached poll interval. A malformed or
// missing argument leaves the cache untouched.
func (e *Engine) applyIntervalChange(s *Session, text string) {
	if !strings.HasPrefix(strings.ToLower(text), intervalVerb) {
		return
	}
	parts := strings.SplitN(text, " ", 2)
	if len(parts) < 2 {
		return
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return
	}
	s.setInterval(seconds)
	e.logger.Info("agent poll interval updated",
		"session_id", shortID(s.id),
		"interval_seconds", seconds,
	)
}

// History returns a defensive snapshot of the session's command history
// ordered by issuedAt ascending. Unknown sessions yield an empty slice, not
// an error; callers that care use SessionExists.
func (e *Engine) History(sessionID string) []Command {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return []Command{}
	}

	s.mu.Lock()
	out := make([]Command, len(s.history))
	for i, h := range s.history {
		out[i] = *h
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

func (e *Engine) publishSessionList() {
	if e.notifier != nil {
		e.notifier.SessionList(e.registry.List())
	}
}

func (e *Engine) publishCommandUpdate(sessionID string, cmd Command) {
	if e.notifier != nil {
		e.notifier.CommandUpdate(sessionID, cmd)
	}
}

func (e *Engine) publishCheckin(alert CheckinAlert) {
	if e.notifier != nil {
		e.notifier.Checkin(alert)
	}
}
