package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"convocache/internal/logging"
	"convocache/internal/store"
)

// RetentionConfig bounds the cached working set.
type RetentionConfig struct {
	MaxSessions        int           // Most-recently-accessed sessions to keep (default: 50)
	StaleStreamTimeout time.Duration // Age past which an active stream is abandoned (default: 1h)
	SweepInterval      time.Duration // Background sweep cadence (default: 10m)
}

// DefaultRetentionConfig returns sensible defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxSessions:        50,
		StaleStreamTimeout: time.Hour,
		SweepInterval:      10 * time.Minute,
	}
}

// CleanupStats reports cleanup results.
type CleanupStats struct {
	SessionsEvicted  int
	MessagesDeleted  int
	StreamsAbandoned int
}

// Manager evicts cold sessions and sweeps stale active streams. Message
// history is unbounded in principle but local storage is not; recency is the
// eviction signal because recently touched conversations are the ones most
// likely to be resumed.
type Manager struct {
	store   *store.Store
	tracker *Tracker
	cfgMu   sync.RWMutex
	cfg     RetentionConfig
	group   singleflight.Group
}

// NewManager creates a retention manager. Zero config fields fall back to
// defaults.
func NewManager(st *store.Store, tracker *Tracker, cfg RetentionConfig) *Manager {
	return &Manager{store: st, tracker: tracker, cfg: normalizeConfig(cfg)}
}

func normalizeConfig(cfg RetentionConfig) RetentionConfig {
	def := DefaultRetentionConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.StaleStreamTimeout <= 0 {
		cfg.StaleStreamTimeout = def.StaleStreamTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return cfg
}

// SetConfig swaps the retention limits at runtime; the next cleanup (and the
// next sweeper tick) uses the new values. Zero fields fall back to defaults.
func (m *Manager) SetConfig(cfg RetentionConfig) {
	cfg = normalizeConfig(cfg)
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
	logging.Retention("Retention config updated: max_sessions=%d stale_timeout=%v sweep=%v",
		cfg.MaxSessions, cfg.StaleStreamTimeout, cfg.SweepInterval)
}

// Config returns the current retention limits.
func (m *Manager) Config() RetentionConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Cleanup evicts every session beyond the MaxSessions recency cutoff (one
// transaction per session to bound lock duration) and abandons active streams
// older than StaleStreamTimeout. Concurrent calls are coalesced into a single
// sweep.
//
// Evicting a parent does not evict its branches: children keep their parent
// id and the ancestry link simply dangles. Branches stay usable.
func (m *Manager) Cleanup(ctx context.Context) (*CleanupStats, error) {
	v, err, _ := m.group.Do("cleanup", func() (interface{}, error) {
		return m.cleanup(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CleanupStats), nil
}

func (m *Manager) cleanup(ctx context.Context) (*CleanupStats, error) {
	timer := logging.StartTimer(logging.CategoryRetention, "Cleanup")
	defer timer.StopWithThreshold(5 * time.Second)

	cfg := m.Config()
	stats := &CleanupStats{}

	abandoned, err := m.tracker.RecoverAbandoned(cfg.StaleStreamTimeout)
	if err != nil {
		return nil, err
	}
	stats.StreamsAbandoned = abandoned

	cold, err := m.store.ColdSessions(cfg.MaxSessions)
	if err != nil {
		return nil, err
	}

	for _, id := range cold {
		if err := ctx.Err(); err != nil {
			logging.Retention("Cleanup interrupted after %d evictions: %v", stats.SessionsEvicted, err)
			return stats, err
		}
		deleted, err := m.store.EvictSession(id)
		if err != nil {
			logging.Get(logging.CategoryRetention).Warn("Failed to evict session %s: %v", id, err)
			continue
		}
		stats.SessionsEvicted++
		stats.MessagesDeleted += deleted
	}

	if stats.SessionsEvicted > 0 || stats.StreamsAbandoned > 0 {
		logging.Retention("Cleanup complete: evicted=%d messages=%d abandoned=%d",
			stats.SessionsEvicted, stats.MessagesDeleted, stats.StreamsAbandoned)
	}
	return stats, nil
}

// RunSweeper runs periodic cleanups until ctx is cancelled. Hosts call this
// explicitly (typically in a goroutine after Init); nothing starts it as an
// import side effect.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.Config().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Retention("Sweeper started (interval=%v)", interval)
	for {
		select {
		case <-ctx.Done():
			logging.Retention("Sweeper stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryRetention).Warn("Periodic cleanup failed: %v", err)
			}
			if next := m.Config().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}
