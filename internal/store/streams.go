package store

import (
	"database/sql"
	"time"

	"convocache/internal/logging"
	"convocache/internal/types"
)

// =============================================================================
// ACTIVE STREAM RECORDS (crash-recoverable in-flight response bookkeeping)
// =============================================================================

// MarkStreamActive records the start of a streamed assistant response. The
// message must already exist in the session with status streaming; anything
// else is a contract violation reported as InvalidStateError.
func (s *Store) MarkStreamActive(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := getMessage(s.db, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return &InvalidStateError{SessionID: sessionID, MessageID: messageID, Reason: "message does not exist"}
	}
	if m.SessionID != sessionID {
		return &InvalidStateError{SessionID: sessionID, MessageID: messageID, Reason: "message belongs to another session"}
	}
	if m.Status != types.StatusStreaming {
		return &InvalidStateError{SessionID: sessionID, MessageID: messageID, Reason: "message is not in streaming status"}
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO active_streams (session_id, message_id, status, started_at)
		 VALUES (?, ?, 'streaming', ?)`,
		sessionID, messageID, fmtTime(time.Now()),
	)
	if err != nil {
		return storeErr("mark stream active", err)
	}

	logging.Stream("Stream active: session=%s message=%s", sessionID, messageID)
	return nil
}

// BeginStream persists a new streaming message and its active-stream record
// in one transaction. A streaming message without a recovery record would be
// invisible to the abandonment sweep, so the two writes must not be split.
func (s *Store) BeginStream(m types.Message) error {
	if m.Status != types.StatusStreaming {
		return &InvalidStateError{SessionID: m.SessionID, MessageID: m.ID, Reason: "message is not in streaming status"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		if err := putMessage(tx, m); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO active_streams (session_id, message_id, status, started_at)
			 VALUES (?, ?, 'streaming', ?)`,
			m.SessionID, m.ID, fmtTime(time.Now()),
		); err != nil {
			return err
		}
		return refreshSessionMeta(tx, m.SessionID, time.Now().UTC())
	})
	if err != nil {
		logging.Get(logging.CategoryStream).Error("Failed to begin stream %s/%s: %v", m.SessionID, m.ID, err)
		return storeErr("begin stream", err)
	}

	logging.Stream("Stream begun: session=%s message=%s", m.SessionID, m.ID)
	return nil
}

// ListActiveStreams returns every active-stream record, used on startup to
// find streams that were interrupted by a crash or reload.
func (s *Store) ListActiveStreams() ([]types.ActiveStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT session_id, message_id, status, started_at
		 FROM active_streams ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, storeErr("list active streams", err)
	}
	defer rows.Close()

	streams := make([]types.ActiveStream, 0)
	for rows.Next() {
		var as types.ActiveStream
		if err := rows.Scan(&as.SessionID, &as.MessageID, &as.Status, &as.StartedAt); err != nil {
			continue
		}
		streams = append(streams, as)
	}
	return streams, nil
}

// FlushStreamContent persists staged streaming content for a message. Only
// messages still in streaming status are touched, so a racing completion is
// never overwritten by a late flush.
func (s *Store) FlushStreamContent(sessionID, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE messages SET content = ?
		 WHERE id = ? AND session_id = ? AND status = 'streaming'`,
		content, messageID, sessionID,
	)
	if err != nil {
		return storeErr("flush stream content", err)
	}
	logging.StreamDebug("Flushed staged content: session=%s message=%s len=%d", sessionID, messageID, len(content))
	return nil
}

// CompleteStream atomically persists the final content, moves the message to
// completed, and removes the active-stream record.
func (s *Store) CompleteStream(sessionID, messageID, finalContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE messages SET content = ?, status = 'completed'
			 WHERE id = ? AND session_id = ? AND status = 'streaming'`,
			finalContent, messageID, sessionID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &InvalidStateError{SessionID: sessionID, MessageID: messageID, Reason: "message is not in streaming status"}
		}
		if _, err := tx.Exec(
			"DELETE FROM active_streams WHERE session_id = ? AND message_id = ?",
			sessionID, messageID,
		); err != nil {
			return err
		}
		return refreshSessionMeta(tx, sessionID, time.Now().UTC())
	})
	if err != nil {
		if IsInvalidState(err) {
			return err
		}
		return storeErr("complete stream", err)
	}

	logging.Stream("Stream completed: session=%s message=%s len=%d", sessionID, messageID, len(finalContent))
	return nil
}

// FailStream moves the message to error status, preserving partial content
// for user visibility, and removes the active-stream record. When partial is
// non-empty it replaces the message content; otherwise whatever was last
// flushed stays.
func (s *Store) FailStream(sessionID, messageID, reason, partial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		if partial != "" {
			if _, err := tx.Exec(
				`UPDATE messages SET content = ?, status = 'error'
				 WHERE id = ? AND session_id = ? AND status = 'streaming'`,
				partial, messageID, sessionID,
			); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				`UPDATE messages SET status = 'error'
				 WHERE id = ? AND session_id = ? AND status = 'streaming'`,
				messageID, sessionID,
			); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(
			"DELETE FROM active_streams WHERE session_id = ? AND message_id = ?",
			sessionID, messageID,
		); err != nil {
			return err
		}
		return refreshSessionMeta(tx, sessionID, time.Now().UTC())
	})
	if err != nil {
		return storeErr("fail stream", err)
	}

	logging.Stream("Stream failed: session=%s message=%s reason=%s", sessionID, messageID, reason)
	return nil
}

// CancelStream handles explicit user cancellation: streaming -> none. The
// message and its staged content are discarded along with the record.
func (s *Store) CancelStream(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM messages WHERE id = ? AND session_id = ? AND status = 'streaming'",
			messageID, sessionID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			"DELETE FROM active_streams WHERE session_id = ? AND message_id = ?",
			sessionID, messageID,
		); err != nil {
			return err
		}
		return refreshSessionMeta(tx, sessionID, time.Now().UTC())
	})
	if err != nil {
		return storeErr("cancel stream", err)
	}

	logging.Stream("Stream cancelled: session=%s message=%s", sessionID, messageID)
	return nil
}
