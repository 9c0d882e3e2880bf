// ABOUTME: Concurrency-safe session registry keyed by session id.
// ABOUTME: Create-or-update is atomic under the registry lock; per-session state has its own locks.

package tasking

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultStaleThreshold is how long a session may go without checking in
// before a re-registration counts as a reconnect.
const DefaultStaleThreshold = 30 * time.Minute

// DefaultPollInterval is the agent poll interval (seconds) assumed for a
// fresh session until a sleep command changes it.
const DefaultPollInterval = 30

// Identity carries the best-effort metadata an agent reports at check-in.
// Empty fields never overwrite previously stored values.
type Identity struct {
	Hostname    string `json:"hostname"`
	Username    string `json:"username"`
	ProcessName string `json:"processName"`
	ProcessID   int    `json:"processId"`
}

// RegisterResult reports what RegisterOrUpdate did.
type RegisterResult struct {
	Session     *Session
	New         bool
	Reconnected bool
}

// Registry owns the session map. The registry mutex covers only map
// operations, so traffic for different sessions never contends here beyond a
// map lookup.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	staleThreshold time.Duration
	pollInterval   int
	logger         *slog.Logger
	now            func() time.Time
}

// NewRegistry creates an empty registry. Zero values for staleThreshold and
// pollInterval select the defaults.
func NewRegistry(staleThreshold time.Duration, pollInterval int, logger *slog.Logger) *Registry {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:       make(map[string]*Session),
		staleThreshold: staleThreshold,
		pollInterval:   pollInterval,
		logger:         logger.With("component", "registry"),
		now:            time.Now,
	}
}

// RegisterOrUpdate creates a session for an unknown (or absent) hint id, or
// atomically refreshes an existing one. Two concurrent registrations for the
// same unknown id resolve to a single session: one caller creates, the other
// observes an update. Staleness is judged against lastSeen before it is
// overwritten.
func (r *Registry) RegisterOrUpdate(hintID, remoteAddr string, ident Identity) RegisterResult {
	now := r.now().UTC()
	addr := normalizeRemoteAddr(remoteAddr)

	r.mu.Lock()
	defer r.mu.Unlock()

	if hintID != "" {
		if s, ok := r.sessions[hintID]; ok {
			reconnected := r.update(s, now, addr, ident)
			return RegisterResult{Session: s, Reconnected: reconnected}
		}
	}

	id := hintID
	if id == "" {
		id = newToken()
	}
	s := &Session{
		id:            id,
		firstSeen:     now,
		lastSeen:      now,
		remoteAddress: addr,
		hostname:      ident.Hostname,
		username:      ident.Username,
		processName:   ident.ProcessName,
		processID:     ident.ProcessID,
		interval:      r.pollInterval,
	}
	r.sessions[id] = s
	r.logger.Info("new agent session registered", "session_id", shortID(id), "remote_addr", addr)
	return RegisterResult{Session: s, New: true}
}

// update refreshes an existing session and reports whether it had gone stale.
// Called with the registry lock held; takes the session lock for the field
// writes.
func (r *Registry) update(s *Session, now time.Time, addr string, ident Identity) bool {
	s.mu.Lock()
	wasStale := now.Sub(s.lastSeen) > r.staleThreshold
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	s.remoteAddress = addr
	if ident.Hostname != "" {
		s.hostname = ident.Hostname
	}
	if ident.Username != "" {
		s.username = ident.Username
	}
	if ident.ProcessName != "" {
		s.processName = ident.ProcessName
	}
	if ident.ProcessID != 0 {
		s.processID = ident.ProcessID
	}
	s.mu.Unlock()

	if wasStale {
		r.logger.Info("stale agent session reconnected", "session_id", shortID(s.id), "remote_addr", addr)
	}
	return wasStale
}

// Get retrieves a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List snapshots all sessions, ordered by first-seen time so the dashboard
// row order is stable across refreshes.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].FirstSeen.Equal(infos[j].FirstSeen) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].FirstSeen.Before(infos[j].FirstSeen)
	})
	return infos
}

// Remove deletes a session entirely and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	return ok
}

// shortID truncates an id for log lines, matching the dashboard's display.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
