package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convocache/internal/logging"
	"convocache/internal/store"
	"convocache/internal/types"
)

// defaultFlushEvery is how many deltas may accumulate in the staged buffer
// before the partial content is persisted. Writing every delta would hit the
// store far too often for token-sized chunks.
const defaultFlushEvery = 16

type streamKey struct {
	sessionID string
	messageID string
}

type stagedStream struct {
	content    strings.Builder
	sinceFlush int
}

// Tracker is the only component allowed to move a message out of streaming
// status. It keeps per-stream staged content in memory and persists it at a
// bounded cadence; the active_streams records make interrupted streams
// recoverable after a crash or reload.
type Tracker struct {
	store      *store.Store
	mu         sync.Mutex
	staged     map[streamKey]*stagedStream
	flushEvery int
}

// NewTracker creates a stream tracker over the given store. flushEvery <= 0
// selects the default cadence.
func NewTracker(st *store.Store, flushEvery int) *Tracker {
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	return &Tracker{
		store:      st,
		staged:     make(map[streamKey]*stagedStream),
		flushEvery: flushEvery,
	}
}

// Begin creates the streaming assistant message and its active-stream record
// in one store transaction. When messageID is empty a new id is generated.
// Returns the message so the UI can render the placeholder immediately.
func (t *Tracker) Begin(sessionID, messageID string) (types.Message, error) {
	if messageID == "" {
		messageID = uuid.NewString()
	}

	m := types.Message{
		ID:        messageID,
		SessionID: sessionID,
		Role:      types.RoleAssistant,
		Status:    types.StatusStreaming,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.store.BeginStream(m); err != nil {
		return types.Message{}, err
	}

	t.mu.Lock()
	t.staged[streamKey{sessionID, messageID}] = &stagedStream{}
	t.mu.Unlock()
	return m, nil
}

// MarkActive records the start of streaming for an existing message. The
// message must already be in streaming status.
func (t *Tracker) MarkActive(sessionID, messageID string) error {
	if err := t.store.MarkStreamActive(sessionID, messageID); err != nil {
		return err
	}

	t.mu.Lock()
	t.staged[streamKey{sessionID, messageID}] = &stagedStream{}
	t.mu.Unlock()
	return nil
}

// AppendDelta appends streamed content to the staged buffer, persisting at
// the configured cadence rather than on every delta. Deltas are applied in
// receipt order; the transport is assumed ordered, at-most-once.
func (t *Tracker) AppendDelta(sessionID, messageID, delta string) error {
	key := streamKey{sessionID, messageID}

	t.mu.Lock()
	ss, ok := t.staged[key]
	if !ok {
		t.mu.Unlock()
		return &store.InvalidStateError{SessionID: sessionID, MessageID: messageID, Reason: "no active stream"}
	}
	ss.content.WriteString(delta)
	ss.sinceFlush++
	flush := ss.sinceFlush >= t.flushEvery
	var snapshot string
	if flush {
		ss.sinceFlush = 0
		snapshot = ss.content.String()
	}
	t.mu.Unlock()

	if flush {
		return t.store.FlushStreamContent(sessionID, messageID, snapshot)
	}
	return nil
}

// StagedContent returns the in-memory staged content for a stream, falling
// back to the empty string when the stream is unknown.
func (t *Tracker) StagedContent(sessionID, messageID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ss, ok := t.staged[streamKey{sessionID, messageID}]; ok {
		return ss.content.String()
	}
	return ""
}

// Complete finalizes a stream: persists the final content, marks the message
// completed, and removes the active-stream record in one transaction. An
// empty finalContent falls back to the staged content.
func (t *Tracker) Complete(sessionID, messageID, finalContent string) error {
	key := streamKey{sessionID, messageID}

	t.mu.Lock()
	if finalContent == "" {
		if ss, ok := t.staged[key]; ok {
			finalContent = ss.content.String()
		}
	}
	delete(t.staged, key)
	t.mu.Unlock()

	return t.store.CompleteStream(sessionID, messageID, finalContent)
}

// Fail marks the message errored while preserving partial content for user
// visibility, and removes the active-stream record.
func (t *Tracker) Fail(sessionID, messageID, reason string) error {
	key := streamKey{sessionID, messageID}

	t.mu.Lock()
	var partial string
	if ss, ok := t.staged[key]; ok {
		partial = ss.content.String()
	}
	delete(t.staged, key)
	t.mu.Unlock()

	return t.store.FailStream(sessionID, messageID, reason, partial)
}

// Cancel handles explicit user cancellation: streaming -> none. Staged and
// persisted partial content are both discarded.
func (t *Tracker) Cancel(sessionID, messageID string) error {
	t.mu.Lock()
	delete(t.staged, streamKey{sessionID, messageID})
	t.mu.Unlock()

	return t.store.CancelStream(sessionID, messageID)
}

// ListActive returns every in-flight stream record.
func (t *Tracker) ListActive() ([]types.ActiveStream, error) {
	return t.store.ListActiveStreams()
}

// RecoverAbandoned finds active-stream records older than maxAge and treats
// them as abandoned: the owning message moves to error with whatever partial
// content was last persisted, and the record is removed. This is the property
// that keeps a reload from ever leaving a message stuck in streaming.
func (t *Tracker) RecoverAbandoned(maxAge time.Duration) (int, error) {
	stale, err := t.store.StaleStreams(maxAge)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, as := range stale {
		if err := t.Fail(as.SessionID, as.MessageID, "abandoned"); err != nil {
			logging.Get(logging.CategoryStream).Warn("Failed to recover abandoned stream %s/%s: %v",
				as.SessionID, as.MessageID, err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		logging.Stream("Recovered %d abandoned streams (older than %v)", recovered, maxAge)
	}
	return recovered, nil
}
