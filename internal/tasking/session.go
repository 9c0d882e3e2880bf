// ABOUTME: Per-agent session state: identity metadata, liveness, pending queue, command history.
// ABOUTME: The session mutex guards identity and history; the pending queue has its own lock.

package tasking

import (
	"net"
	"sync"
	"time"
)

// Session is the server-side record of one agent instance. The id is assigned
// at registration and never changes.
type Session struct {
	id        string
	firstSeen time.Time

	// mu guards liveness, identity fields, interval, and history.
	// It is never held across a notification or ledger call.
	mu            sync.Mutex
	lastSeen      time.Time
	remoteAddress string
	hostname      string
	username      string
	processName   string
	processID     int
	interval      int

	// history holds every command ever issued to this session, in issuance
	// order. Entries are mutated in place, never removed or reordered.
	history []*Command

	// qmu guards the pending FIFO, independent of mu so a dequeue never
	// contends with a history scan.
	qmu     sync.Mutex
	pending []*Command
}

// Info is a point-in-time snapshot of a session, safe to hand to observers
// and JSON encoders while the live session keeps mutating.
type Info struct {
	ID            string    `json:"id"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	RemoteAddress string    `json:"remoteAddress"`
	Hostname      string    `json:"hostname"`
	Username      string    `json:"username"`
	ProcessName   string    `json:"processName"`
	ProcessID     int       `json:"processId"`
	Interval      int       `json:"currentInterval"`
	PendingCount  int       `json:"pendingCount"`
}

// ID returns the session's immutable identifier.
func (s *Session) ID() string { return s.id }

// Info snapshots the session under its lock.
func (s *Session) Info() Info {
	s.qmu.Lock()
	pending := len(s.pending)
	s.qmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.id,
		FirstSeen:     s.firstSeen,
		LastSeen:      s.lastSeen,
		RemoteAddress: s.remoteAddress,
		Hostname:      s.hostname,
		Username:      s.username,
		ProcessName:   s.processName,
		ProcessID:     s.processID,
		Interval:      s.interval,
		PendingCount:  pending,
	}
}

// touch advances lastSeen. Concurrent callers may observe time out of order,
// so lastSeen only ever moves forward.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

func (s *Session) setInterval(seconds int) {
	s.mu.Lock()
	s.interval = seconds
	s.mu.Unlock()
}

func (s *Session) enqueue(c *Command) {
	s.qmu.Lock()
	s.pending = append(s.pending, c)
	s.qmu.Unlock()
}

// dequeue pops the head of the pending FIFO, or nil when empty. The empty
// case is the common one and must stay cheap.
func (s *Session) dequeue() *Command {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	c := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return c
}

// normalizeRemoteAddr renders IPv4-mapped IPv6 addresses as plain IPv4 and
// the IPv6 loopback as the IPv4 loopback literal, so dual-stack clients don't
// show up under two different strings.
func normalizeRemoteAddr(addr string) string {
	if addr == "" {
		return "unknown"
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	if ip.IsLoopback() {
		return "127.0.0.1"
	}
	return addr
}
