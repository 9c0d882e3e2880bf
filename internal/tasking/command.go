// ABOUTME: Command lifecycle types for agent tasking.
// ABOUTME: A Command moves pending -> issued -> completed/error and is never deleted individually.

package tasking

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusIssued    Status = "issued"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"

	// StatusProcessing is reserved. Nothing transitions into it.
	StatusProcessing Status = "processing"
)

// Command is one tasking instance issued to a session. The engine mutates
// commands in place under the owning session's lock; callers always receive
// value copies.
type Command struct {
	ID          string     `json:"commandId"`
	Text        string     `json:"text"`
	IssuedAt    time.Time  `json:"issuedAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
}

// Result is an agent's report for a previously issued command.
type Result struct {
	CommandID string `json:"commandId"`
	Output    string `json:"output"`
	HasError  bool   `json:"hasError"`
}

// newToken returns a 128-bit random identifier rendered as 32 hex characters.
// Used for both session ids and command ids; command ids are unique across
// all sessions, not just within one.
func newToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func newCommand(text string, now time.Time) *Command {
	return &Command{
		ID:       newToken(),
		Text:     text,
		IssuedAt: now,
		Status:   StatusPending,
	}
}
