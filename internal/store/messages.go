package store

import (
	"database/sql"
	"time"

	"convocache/internal/logging"
	"convocache/internal/types"
)

// =============================================================================
// MESSAGE REPOSITORY (per-session ordered persistence, batch hydration)
// =============================================================================

// ListBySession returns all messages for a session ordered by creation time
// ascending. Returns an empty slice when the session has no messages or does
// not exist; read paths never hard-fail on a cache miss.
func (s *Store) ListBySession(sessionID string) ([]types.Message, error) {
	timer := logging.StartTimer(logging.CategoryMessages, "ListBySession")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, status, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		logging.Get(logging.CategoryMessages).Error("Failed to query messages for %s: %v", sessionID, err)
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Status, &m.CreatedAt); err != nil {
			continue
		}
		messages = append(messages, m)
	}

	logging.MessagesDebug("Listed %d messages for session=%s", len(messages), sessionID)
	return messages, nil
}

// GetMessage returns a single message by id, or (nil, nil) when absent.
func (s *Store) GetMessage(id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMessage(s.db, id)
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func getMessage(q queryRower, id string) (*types.Message, error) {
	var m types.Message
	err := q.QueryRow(
		`SELECT id, session_id, role, content, status, created_at
		 FROM messages WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Status, &m.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr("get message", err)
	}
	return &m, nil
}

// PutMessage inserts-or-replaces a message by id and refreshes the owning
// session's metadata (message count, last accessed) in the same transaction.
func (s *Store) PutMessage(m types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.MessagesDebug("Putting message: id=%s session=%s status=%s len=%d",
		m.ID, m.SessionID, m.Status, len(m.Content))

	err := s.withTx(func(tx *sql.Tx) error {
		if err := putMessage(tx, m); err != nil {
			return err
		}
		return refreshSessionMeta(tx, m.SessionID, time.Now().UTC())
	})
	if err != nil {
		logging.Get(logging.CategoryMessages).Error("Failed to put message %s: %v", m.ID, err)
		return storeErr("put message", err)
	}
	return nil
}

// PutMessages atomically writes a batch of messages, used when hydrating a
// session from the server. All-or-nothing: a failed row aborts the batch.
func (s *Store) PutMessages(msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryMessages, "PutMessages")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		touched := make(map[string]bool)
		for _, m := range msgs {
			if err := putMessage(tx, m); err != nil {
				return err
			}
			touched[m.SessionID] = true
		}
		now := time.Now().UTC()
		for sessionID := range touched {
			if err := refreshSessionMeta(tx, sessionID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.Get(logging.CategoryMessages).Error("Batch put of %d messages failed: %v", len(msgs), err)
		return storeErr("put messages", err)
	}

	logging.Messages("Hydrated %d messages", len(msgs))
	return nil
}

func putMessage(tx *sql.Tx, m types.Message) error {
	_, err := tx.Exec(
		`INSERT OR REPLACE INTO messages (id, session_id, role, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, m.Status, fmtTime(m.CreatedAt),
	)
	return err
}

// ReplaceMessage swaps an optimistic temp-id record for its server-canonical
// form: the temp record is deleted and the canonical one inserted in the same
// transaction, so no moment exists where both (or neither) are visible.
func (s *Store) ReplaceMessage(tempID string, canonical types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", tempID); err != nil {
			return err
		}
		if err := putMessage(tx, canonical); err != nil {
			return err
		}
		return refreshSessionMeta(tx, canonical.SessionID, time.Now().UTC())
	})
	if err != nil {
		logging.Get(logging.CategoryMessages).Error("Failed to replace message %s -> %s: %v", tempID, canonical.ID, err)
		return storeErr("replace message", err)
	}

	logging.MessagesDebug("Replaced temp message %s with canonical %s", tempID, canonical.ID)
	return nil
}

// refreshSessionMeta recomputes a session's message count and bumps its
// last-accessed and updated timestamps. A no-op for unknown sessions so
// hydration order (messages before session metadata) does not matter.
func refreshSessionMeta(tx *sql.Tx, sessionID string, now time.Time) error {
	_, err := tx.Exec(
		`UPDATE sessions
		 SET message_count = (SELECT COUNT(*) FROM messages WHERE session_id = ?),
		     last_accessed = ?,
		     updated_at = ?
		 WHERE id = ?`,
		sessionID, fmtTime(now), fmtTime(now), sessionID,
	)
	return err
}
