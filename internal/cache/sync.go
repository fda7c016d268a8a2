package cache

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"convocache/internal/logging"
	"convocache/internal/store"
	"convocache/internal/types"
)

// maxAutoTitle bounds the session title derived from the first message.
const maxAutoTitle = 60

// StreamState is the backend's authoritative answer about a streamed message
// after a dropped connection.
type StreamState struct {
	Found   bool   // Generation exists server-side
	Content string // Canonical final content when Found
}

// Backend is the narrow slice of the server API the coordinator needs to
// reconcile an interrupted stream. The REST/SSE client implementing it lives
// outside this subsystem.
type Backend interface {
	StreamState(ctx context.Context, sessionID, messageID string) (StreamState, error)
}

// Coordinator reconciles client-optimistic writes with server-confirmed
// state: temp-id user messages on the send path, and dropped streams on the
// reconnect path.
type Coordinator struct {
	store   *store.Store
	tracker *Tracker
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(st *store.Store, tracker *Tracker) *Coordinator {
	return &Coordinator{store: st, tracker: tracker}
}

// OnUserSend writes an optimistic user message with a client-generated temp
// id and status sending, returning it synchronously so the UI can render
// immediately. A session that does not exist yet is created on the spot with
// a title derived from the text.
func (c *Coordinator) OnUserSend(sessionID, text string) (types.Message, error) {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return types.Message{}, err
	}
	if sess == nil {
		newSess := types.Session{ID: sessionID, Title: autoTitle(text)}
		if err := c.store.UpsertSession(newSess); err != nil {
			return types.Message{}, err
		}
		logging.Sync("Created session %s on first send", sessionID)
	}

	m := types.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		Content:   text,
		Status:    types.StatusSending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.PutMessage(m); err != nil {
		return types.Message{}, err
	}

	logging.SyncDebug("Optimistic send: session=%s temp=%s len=%d", sessionID, m.ID, len(text))
	return m, nil
}

// AckUserSend replaces the optimistic temp record with the server-canonical
// one in a single transaction, so the temporary and canonical message are
// never both visible. Re-delivered acknowledgements are no-ops.
func (c *Coordinator) AckUserSend(sessionID, tempID, serverID string) error {
	temp, err := c.store.GetMessage(tempID)
	if err != nil {
		return err
	}
	if temp == nil {
		// Already reconciled (at-least-once ack delivery); nothing to do.
		existing, err := c.store.GetMessage(serverID)
		if err != nil {
			return err
		}
		if existing != nil {
			logging.SyncDebug("Ack for %s already applied as %s", tempID, serverID)
			return nil
		}
		return &store.InvalidStateError{SessionID: sessionID, MessageID: tempID, Reason: "no optimistic record to acknowledge"}
	}

	canonical := *temp
	canonical.ID = serverID
	canonical.Status = types.StatusSent
	if err := c.store.ReplaceMessage(tempID, canonical); err != nil {
		return err
	}

	logging.Sync("Acknowledged send: session=%s %s -> %s", sessionID, tempID, serverID)
	return nil
}

// ReconcileStream resolves a stream interrupted by a dropped connection by
// asking the backend for the canonical outcome: found means the generation
// finished and the message completes with the canonical content; not found
// means it never started and the message fails with reason not_found.
func (c *Coordinator) ReconcileStream(ctx context.Context, backend Backend, sessionID, messageID string) error {
	state, err := backend.StreamState(ctx, sessionID, messageID)
	if err != nil {
		logging.Get(logging.CategorySync).Warn("Backend query failed for %s/%s: %v", sessionID, messageID, err)
		return err
	}

	if state.Found {
		logging.Sync("Reconciled stream %s/%s: completed upstream", sessionID, messageID)
		return c.tracker.Complete(sessionID, messageID, state.Content)
	}

	logging.Sync("Reconciled stream %s/%s: not found upstream", sessionID, messageID)
	return c.tracker.Fail(sessionID, messageID, "not_found")
}

// autoTitle derives a session title from the first user message. Truncation
// counts runes so a multi-byte character is never split.
func autoTitle(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if runes := []rune(title); len(runes) > maxAutoTitle {
		title = string(runes[:maxAutoTitle])
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}
