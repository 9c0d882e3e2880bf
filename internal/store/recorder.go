// ABOUTME: Asynchronous write-behind worker feeding the ledger from a bounded channel.
// ABOUTME: Keeps database writes off the agent-facing request path; full buffer drops with a warning.

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redwing-sec/talon/internal/tasking"
)

// recordBufferSize bounds how many pending writes can queue up before the
// recorder starts dropping. Sized for bursts, not sustained backlog.
const recordBufferSize = 256

// writeTimeout caps how long a single ledger write may take before the
// recorder gives up on it.
const writeTimeout = 5 * time.Second

type recordKind int

const (
	recordSession recordKind = iota
	recordCommand
)

type record struct {
	kind      recordKind
	info      tasking.Info
	sessionID string
	cmd       tasking.Command
}

// Recorder implements tasking.Recorder over a Ledger. Calls enqueue onto a
// bounded channel consumed by a single worker goroutine; they never block
// the caller.
type Recorder struct {
	ledger *Ledger
	ch     chan record
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the write-behind worker.
func NewRecorder(ledger *Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		ledger: ledger,
		ch:     make(chan record, recordBufferSize),
		logger: logger.With("component", "recorder"),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// SessionSeen queues a session snapshot for persistence.
func (r *Recorder) SessionSeen(info tasking.Info) {
	r.offer(record{kind: recordSession, info: info})
}

// CommandEvent queues a command state for persistence.
func (r *Recorder) CommandEvent(sessionID string, cmd tasking.Command) {
	r.offer(record{kind: recordCommand, sessionID: sessionID, cmd: cmd})
}

func (r *Recorder) offer(rec record) {
	select {
	case r.ch <- rec:
	default:
		r.logger.Warn("ledger write buffer full, dropping record")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch rec.kind {
		case recordSession:
			err = r.ledger.SaveSession(ctx, rec.info)
		case recordCommand:
			err = r.ledger.SaveCommand(ctx, rec.sessionID, rec.cmd)
		}
		cancel()
		if err != nil {
			r.logger.Error("ledger write failed", "error", err)
		}
	}
}

// Close stops the worker after draining queued records. Safe to call more
// than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
}
