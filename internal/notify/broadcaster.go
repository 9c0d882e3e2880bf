// ABOUTME: In-memory fan-out of control-plane events to attached dashboard observers.
// ABOUTME: Non-blocking publishes with per-observer buffered channels and command-delta dedup.

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redwing-sec/talon/internal/dedupe"
	"github.com/redwing-sec/talon/internal/logbuf"
	"github.com/redwing-sec/talon/internal/tasking"
)

const (
	// observerBufferSize is the channel buffer for each observer. A slow
	// observer drops events rather than backing up publishers.
	observerBufferSize = 64

	// dedupInterval suppresses identical command deltas racing in from the
	// dequeue and result-submission paths.
	dedupInterval = time.Second

	// dedupRetention bounds how long suppression entries are kept.
	dedupRetention = 5 * time.Minute
)

// EventType discriminates push-channel payloads.
type EventType string

const (
	EventSessionList   EventType = "session_list"
	EventCommandUpdate EventType = "command_update"
	EventLogLine       EventType = "log_append"
	EventLogSnapshot   EventType = "log_snapshot"
	EventCheckin       EventType = "checkin"
)

// Event is one push-channel message.
type Event struct {
	Type EventType `json:"event"`
	Data any       `json:"data"`
}

// CommandDelta is the payload of a command_update event.
type CommandDelta struct {
	SessionID string          `json:"sessionId"`
	Command   tasking.Command `json:"command"`
}

// Broadcaster fans events out to all attached observers. Publishing is
// always asynchronous relative to the caller: a send either lands in an
// observer's buffer immediately or is dropped, so the tasking engine is
// never held up by a slow dashboard.
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[string]chan Event

	window *dedupe.Window
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for the default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		observers: make(map[string]chan Event),
		window:    dedupe.New(dedupInterval, dedupRetention),
		logger:    logger.With("component", "notify"),
	}
}

// Subscribe attaches an observer. The returned channel receives events until
// ctx is cancelled or Unsubscribe is called with the returned id.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	id := uuid.New().String()
	ch := make(chan Event, observerBufferSize)

	b.mu.Lock()
	b.observers[id] = ch
	b.mu.Unlock()

	b.logger.Debug("observer attached", "observer_id", id)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()

	return ch, id
}

// Unsubscribe detaches an observer and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.observers[id]
	if ok {
		delete(b.observers, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
		b.logger.Debug("observer detached", "observer_id", id)
	}
}

// Observers returns the number of attached observers.
func (b *Broadcaster) Observers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// publish fans an event out to every observer without blocking. Events are
// dropped for observers whose buffers are full.
func (b *Broadcaster) publish(ev Event) {
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.observers))
	for _, ch := range b.observers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow observer", "event", string(ev.Type))
		}
	}
}

// SessionList publishes a full session-list snapshot.
func (b *Broadcaster) SessionList(sessions []tasking.Info) {
	b.publish(Event{Type: EventSessionList, Data: sessions})
}

// CommandUpdate publishes a single-command delta. Identical deltas (same
// session, command, and status) inside the dedup interval are suppressed.
func (b *Broadcaster) CommandUpdate(sessionID string, cmd tasking.Command) {
	key := sessionID + ":" + cmd.ID + ":" + string(cmd.Status)
	if b.window.Suppress(key) {
		b.logger.Debug("suppressed duplicate command delta", "key", key)
		return
	}
	b.publish(Event{Type: EventCommandUpdate, Data: CommandDelta{SessionID: sessionID, Command: cmd}})
}

// Checkin publishes a new/returned agent alert.
func (b *Broadcaster) Checkin(alert tasking.CheckinAlert) {
	b.publish(Event{Type: EventCheckin, Data: alert})
}

// LogLine publishes one appended operational log entry.
func (b *Broadcaster) LogLine(e logbuf.Entry) {
	b.publish(Event{Type: EventLogLine, Data: e})
}

// Close detaches all observers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for id, ch := range b.observers {
		close(ch)
		delete(b.observers, id)
	}
	b.mu.Unlock()

	b.logger.Debug("broadcaster closed")
}
