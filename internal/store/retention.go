package store

import (
	"time"

	"convocache/internal/logging"
	"convocache/internal/types"
)

// =============================================================================
// EVICTION QUERIES (recency-ordered cold-session reclamation)
// =============================================================================

// ColdSessions returns the ids of sessions beyond the recency cutoff: every
// session except the maxSessions most recently accessed, coldest last.
func (s *Store) ColdSessions(maxSessions int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxSessions < 0 {
		maxSessions = 0
	}

	// LIMIT -1 OFFSET n skips the retained head of the recency ordering.
	rows, err := s.db.Query(
		"SELECT id FROM sessions ORDER BY last_accessed DESC, id ASC LIMIT -1 OFFSET ?",
		maxSessions,
	)
	if err != nil {
		return nil, storeErr("cold sessions", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EvictSession deletes one cold session and everything it owns. Each eviction
// is its own transaction so lock duration stays bounded during a large sweep.
// Returns the number of messages removed with the session.
func (s *Store) EvictSession(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messageCount int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", id,
	).Scan(&messageCount); err != nil {
		return 0, storeErr("evict session", err)
	}

	if err := s.deleteSessionLocked(id); err != nil {
		return 0, err
	}

	logging.Retention("Evicted session %s (%d messages)", id, messageCount)
	return messageCount, nil
}

// StaleStreams returns active-stream records older than maxAge, the ones a
// crash or reload left behind.
func (s *Store) StaleStreams(maxAge time.Duration) ([]types.ActiveStream, error) {
	streams, err := s.ListActiveStreams()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	stale := make([]types.ActiveStream, 0)
	for _, as := range streams {
		if as.StartedAt.Before(cutoff) {
			stale = append(stale, as)
		}
	}
	return stale, nil
}
