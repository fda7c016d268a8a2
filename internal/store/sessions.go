package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"convocache/internal/logging"
	"convocache/internal/types"
)

// maxBranchDepth bounds the ancestor walk during cycle detection. Branch
// trees deeper than this are treated as corrupt.
const maxBranchDepth = 64

// =============================================================================
// SESSION REGISTRY (metadata, parent/child branch linkage)
// =============================================================================

// GetSession returns a session by id, or (nil, nil) when absent.
func (s *Store) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(s.db, id)
}

func getSession(q queryRower, id string) (*types.Session, error) {
	var sess types.Session
	var parentID, branchPointID, branchName sql.NullString
	err := q.QueryRow(
		`SELECT id, title, created_at, updated_at, last_accessed, message_count,
		        parent_id, branch_point_id, branch_name
		 FROM sessions WHERE id = ?`,
		id,
	).Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastAccessedAt,
		&sess.MessageCount, &parentID, &branchPointID, &branchName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr("get session", err)
	}
	sess.ParentID = parentID.String
	sess.BranchPointID = branchPointID.String
	sess.BranchName = branchName.String
	return &sess, nil
}

// UpsertSession inserts-or-replaces session metadata. A write that would make
// the session its own ancestor is rejected with CycleError and leaves the
// store unchanged. A dangling ParentID is allowed: branches legitimately
// outlive evicted parents.
func (s *Store) UpsertSession(sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		return storeErr("upsert session", fmt.Errorf("session id required"))
	}
	if err := s.checkAncestry(sess.ID, sess.ParentID); err != nil {
		logging.Get(logging.CategorySessions).Error("Rejected session upsert %s: %v", sess.ID, err)
		return err
	}

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastAccessedAt.IsZero() {
		sess.LastAccessedAt = now
	}
	sess.UpdatedAt = now

	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO sessions
			 (id, title, created_at, updated_at, last_accessed, message_count,
			  parent_id, branch_point_id, branch_name)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Title, fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt),
			fmtTime(sess.LastAccessedAt), sess.MessageCount,
			nullable(sess.ParentID), nullable(sess.BranchPointID), nullable(sess.BranchName),
		)
		return err
	})
	if err != nil {
		return storeErr("upsert session", err)
	}

	logging.SessionsDebug("Upserted session: id=%s parent=%s", sess.ID, sess.ParentID)
	return nil
}

// checkAncestry walks the parent chain starting at parentID and fails with
// CycleError if it reaches sessionID or exceeds the depth bound.
func (s *Store) checkAncestry(sessionID, parentID string) error {
	for depth := 0; parentID != ""; depth++ {
		if parentID == sessionID {
			return &CycleError{SessionID: sessionID}
		}
		if depth >= maxBranchDepth {
			return &CycleError{SessionID: sessionID}
		}
		parent, err := getSession(s.db, parentID)
		if err != nil {
			return err
		}
		if parent == nil {
			// Evicted ancestor; the chain ends here.
			return nil
		}
		parentID = parent.ParentID
	}
	return nil
}

// ForkSession creates a new session branching from a specific message in the
// parent. The branch point must exist and belong to the parent session.
func (s *Store) ForkSession(parentID, branchPointID, branchName, title string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := getSession(s.db, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, storeErr("fork session", fmt.Errorf("parent session %s: %w", parentID, ErrNotFound))
	}
	branchPoint, err := getMessage(s.db, branchPointID)
	if err != nil {
		return nil, err
	}
	if branchPoint == nil || branchPoint.SessionID != parentID {
		return nil, storeErr("fork session", fmt.Errorf("branch point %s not in session %s: %w", branchPointID, parentID, ErrNotFound))
	}

	now := time.Now().UTC()
	sess := &types.Session{
		ID:             uuid.NewString(),
		Title:          title,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		ParentID:       parentID,
		BranchPointID:  branchPointID,
		BranchName:     branchName,
	}

	err = s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions
			 (id, title, created_at, updated_at, last_accessed, message_count,
			  parent_id, branch_point_id, branch_name)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			sess.ID, sess.Title, fmtTime(now), fmtTime(now), fmtTime(now),
			sess.ParentID, sess.BranchPointID, nullable(sess.BranchName),
		)
		return err
	})
	if err != nil {
		return nil, storeErr("fork session", err)
	}

	logging.Sessions("Forked session %s from %s at message %s", sess.ID, parentID, branchPointID)
	return sess, nil
}

// DeleteSession removes a session, all its messages, and any active-stream
// records in one transaction, so no orphaned rows survive the cascade.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSessionLocked(id)
}

func (s *Store) deleteSessionLocked(id string) error {
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM active_streams WHERE session_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", id); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
		return err
	})
	if err != nil {
		logging.Get(logging.CategorySessions).Error("Failed to delete session %s: %v", id, err)
		return storeErr("delete session", err)
	}
	logging.Sessions("Deleted session %s (cascade)", id)
	return nil
}

// Children returns the direct branches of a session. The branch tree is
// materialized lazily through this lookup rather than held in memory, so
// concurrent deletions never leave dangling pointers.
func (s *Store) Children(parentID string) ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, title, created_at, updated_at, last_accessed, message_count,
		        parent_id, branch_point_id, branch_name
		 FROM sessions WHERE parent_id = ?
		 ORDER BY created_at ASC`,
		parentID,
	)
	if err != nil {
		return nil, storeErr("children", err)
	}
	defer rows.Close()

	return scanSessions(rows), nil
}

// ListSessions returns sessions ordered by last-accessed descending, the
// recency order the eviction policy and the session list UI both use.
// limit <= 0 means no limit.
func (s *Store) ListSessions(limit int) ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, title, created_at, updated_at, last_accessed, message_count,
	                 parent_id, branch_point_id, branch_name
	          FROM sessions ORDER BY last_accessed DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	return scanSessions(rows), nil
}

// TouchSession bumps a session's last-accessed timestamp. Called when the UI
// opens a session so recency-based eviction tracks real usage.
func (s *Store) TouchSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET last_accessed = ? WHERE id = ?",
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return storeErr("touch session", err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) []types.Session {
	sessions := make([]types.Session, 0)
	for rows.Next() {
		var sess types.Session
		var parentID, branchPointID, branchName sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt,
			&sess.LastAccessedAt, &sess.MessageCount,
			&parentID, &branchPointID, &branchName); err != nil {
			continue
		}
		sess.ParentID = parentID.String
		sess.BranchPointID = branchPointID.String
		sess.BranchName = branchName.String
		sessions = append(sessions, sess)
	}
	return sessions
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
