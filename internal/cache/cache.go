// Package cache implements the client-resident conversation cache: a durable
// tree-structured store of chat sessions and messages that survives reloads,
// tracks in-flight streamed responses so partial output can be reconciled
// after interruption, and bounds its working set through recency eviction.
package cache

import (
	"context"
	"encoding/csv"
	"io"
	"time"

	"convocache/internal/logging"
	"convocache/internal/store"
	"convocache/internal/types"
)

// Options configures a Cache instance.
type Options struct {
	Retention  RetentionConfig
	FlushEvery int // Deltas between staged-content flushes; 0 = default
}

// Cache is the explicit context object tying the conversation cache together.
// It is constructed once at application start and passed by handle; there is
// no ambient package-level instance.
type Cache struct {
	store     *store.Store
	tracker   *Tracker
	retention *Manager
	sync      *Coordinator
}

// New assembles a cache over an opened store.
func New(st *store.Store, opts Options) *Cache {
	tracker := NewTracker(st, opts.FlushEvery)
	return &Cache{
		store:     st,
		tracker:   tracker,
		retention: NewManager(st, tracker, opts.Retention),
		sync:      NewCoordinator(st, tracker),
	}
}

// Init performs explicit startup work: the recovery sweep that finalizes any
// stream a previous process left behind. Hosts call Init once after opening
// the store; nothing runs as an import side effect.
func (c *Cache) Init(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryBoot, "cache.Init")
	defer timer.Stop()

	if _, err := c.retention.Cleanup(ctx); err != nil {
		return err
	}
	logging.Get(logging.CategoryBoot).Info("Conversation cache initialized (path=%s, memory=%v)",
		c.store.Path(), c.store.InMemory())
	return nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Store exposes the durable store for direct session/message operations.
func (c *Cache) Store() *store.Store { return c.store }

// Tracker exposes the stream tracker.
func (c *Cache) Tracker() *Tracker { return c.tracker }

// Retention exposes the retention manager.
func (c *Cache) Retention() *Manager { return c.retention }

// Sync exposes the sync coordinator.
func (c *Cache) Sync() *Coordinator { return c.sync }

// =============================================================================
// UI-facing surface
// =============================================================================

// OnUserSend is the optimistic send path: see Coordinator.OnUserSend.
func (c *Cache) OnUserSend(sessionID, text string) (types.Message, error) {
	return c.sync.OnUserSend(sessionID, text)
}

// Subscribe returns the full ordered message view of a session for a repaint.
// It is restartable: every call is a fresh, finite read with no cursor state.
func (c *Cache) Subscribe(sessionID string) ([]types.Message, error) {
	if err := c.store.TouchSession(sessionID); err != nil {
		logging.Get(logging.CategorySessions).Warn("Failed to touch session %s: %v", sessionID, err)
	}
	return c.store.ListBySession(sessionID)
}

// OnDelta is the stream ingestion callback for one content delta.
func (c *Cache) OnDelta(sessionID, messageID, text string) error {
	return c.tracker.AppendDelta(sessionID, messageID, text)
}

// OnDone is the stream ingestion callback for successful completion.
func (c *Cache) OnDone(sessionID, messageID, finalContent string) error {
	return c.tracker.Complete(sessionID, messageID, finalContent)
}

// OnError is the stream ingestion callback for a failed generation.
func (c *Cache) OnError(sessionID, messageID, reason string) error {
	return c.tracker.Fail(sessionID, messageID, reason)
}

// =============================================================================
// Export / diagnostics surface
// =============================================================================

// ExportMessages returns the ordered message sequence of a session for the
// export tooling.
func (c *Cache) ExportMessages(sessionID string) ([]types.Message, error) {
	return c.store.ListBySession(sessionID)
}

// ExportSessionCSV writes a session's messages as CSV.
func (c *Cache) ExportSessionCSV(w io.Writer, sessionID string) error {
	messages, err := c.store.ListBySession(sessionID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "role", "content", "status", "created_at"}); err != nil {
		return err
	}
	for _, m := range messages {
		record := []string{m.ID, string(m.Role), m.Content, string(m.Status), m.CreatedAt.UTC().Format(time.RFC3339)}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Stats returns diagnostic counts for monitoring.
func (c *Cache) Stats() (types.Stats, error) {
	return c.store.Stats()
}
