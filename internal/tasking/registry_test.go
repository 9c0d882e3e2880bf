// ABOUTME: Tests for the session registry and session snapshot behavior.
// ABOUTME: Covers atomic create-or-update, identity merge rules, and address normalization.

package tasking

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Defaults(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	assert.Equal(t, DefaultStaleThreshold, r.staleThreshold)
	assert.Equal(t, DefaultPollInterval, r.pollInterval)
}

func TestRegistry_RegisterOrUpdate_IdentityMerge(t *testing.T) {
	r := NewRegistry(0, 0, testLogger())

	res := r.RegisterOrUpdate("", "10.0.0.5", Identity{
		Hostname: "ws01", Username: "alice", ProcessName: "explorer", ProcessID: 100,
	})
	require.True(t, res.New)
	id := res.Session.ID()

	// empty fields leave stored values alone, non-empty overwrite
	r.RegisterOrUpdate(id, "10.0.0.6", Identity{Username: "bob", ProcessID: 0})

	info := res.Session.Info()
	assert.Equal(t, "ws01", info.Hostname)
	assert.Equal(t, "bob", info.Username)
	assert.Equal(t, "explorer", info.ProcessName)
	assert.Equal(t, 100, info.ProcessID, "zero pid must not overwrite")
	assert.Equal(t, "10.0.0.6", info.RemoteAddress, "address always refreshes")
}

func TestRegistry_RegisterOrUpdate_ConcurrentSameHint(t *testing.T) {
	r := NewRegistry(0, 0, testLogger())
	hint := "0123456789abcdef0123456789abcdef"

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.RegisterOrUpdate(hint, "10.0.0.5", Identity{})
			if res.New {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "exactly one caller creates the session")
	assert.Len(t, r.List(), 1)
}

func TestRegistry_List_Ordering(t *testing.T) {
	r := NewRegistry(0, 0, testLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	r.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, r.RegisterOrUpdate("", fmt.Sprintf("10.0.0.%d", i), Identity{}).Session.ID())
	}

	list := r.List()
	require.Len(t, list, 3)
	for i, info := range list {
		assert.Equal(t, ids[i], info.ID, "list follows first-seen order")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(0, 0, testLogger())
	id := r.RegisterOrUpdate("", "10.0.0.5", Identity{}).Session.ID()

	assert.True(t, r.Remove(id))
	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.False(t, r.Remove(id))
}

func TestSession_Touch_NeverRegresses(t *testing.T) {
	r := NewRegistry(0, 0, testLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	s := r.RegisterOrUpdate("", "10.0.0.5", Identity{}).Session

	s.touch(base.Add(time.Minute))
	s.touch(base.Add(30 * time.Second)) // out-of-order observer

	assert.Equal(t, base.Add(time.Minute), s.Info().LastSeen)
}

func TestSession_PendingCount(t *testing.T) {
	r := NewRegistry(0, 0, testLogger())
	s := r.RegisterOrUpdate("", "10.0.0.5", Identity{}).Session

	s.enqueue(newCommand("a", time.Now()))
	s.enqueue(newCommand("b", time.Now()))
	assert.Equal(t, 2, s.Info().PendingCount)

	require.NotNil(t, s.dequeue())
	assert.Equal(t, 1, s.Info().PendingCount)
}

func TestNormalizeRemoteAddr(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "unknown"},
		{"plain ipv4", "203.0.113.9", "203.0.113.9"},
		{"ipv4-mapped ipv6", "::ffff:203.0.113.9", "203.0.113.9"},
		{"ipv6 loopback", "::1", "127.0.0.1"},
		{"ipv4 loopback", "127.0.0.1", "127.0.0.1"},
		{"plain ipv6", "2001:db8::1", "2001:db8::1"},
		{"unparseable passthrough", "not-an-ip", "not-an-ip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeRemoteAddr(tt.in))
		})
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "01234567", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
