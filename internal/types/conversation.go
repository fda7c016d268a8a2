// Package types defines the shared conversation cache data model.
package types

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the lifecycle state of a message.
//
// sending   - optimistic local write, not yet acknowledged by the server
// sent      - acknowledged user message with its canonical server id
// streaming - assistant response still being received
// completed - finalized assistant response
// error     - generation failed or was abandoned; partial content is kept
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusStreaming MessageStatus = "streaming"
	StatusCompleted MessageStatus = "completed"
	StatusError     MessageStatus = "error"
)

// Message is one conversation message. A message belongs to exactly one
// session and is immutable once its status is completed or error.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Session is one conversation thread, possibly forked from a message in a
// parent session. ParentID and BranchPointID are empty for root sessions.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	MessageCount   int       `json:"message_count"`
	ParentID       string    `json:"parent_id,omitempty"`
	BranchPointID  string    `json:"branch_point_id,omitempty"`
	BranchName     string    `json:"branch_name,omitempty"`
}

// ActiveStream is the bookkeeping record for an assistant response that has
// not been finalized. It always references a message in streaming status.
type ActiveStream struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Stats is the diagnostics summary exposed to export/monitoring tooling.
type Stats struct {
	SessionCount      int `json:"session_count"`
	MessageCount      int `json:"message_count"`
	ActiveStreamCount int `json:"active_stream_count"`
}
