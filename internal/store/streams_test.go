package store

import (
	"testing"
	"time"

	"convocache/internal/types"
)

func streamingMessage(t *testing.T, s *Store, sessionID, messageID string) {
	t.Helper()
	if err := s.UpsertSession(testSession(sessionID)); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	m := testMessage(messageID, sessionID)
	m.Role = types.RoleAssistant
	m.Content = ""
	m.Status = types.StatusStreaming
	if err := s.PutMessage(m); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
}

func TestMarkStreamActiveValidation(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if err := s.UpsertSession(testSession("s1")); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	// Missing message.
	if err := s.MarkStreamActive("s1", "ghost"); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError for missing message, got %v", err)
	}

	// Message in a different session.
	if err := s.UpsertSession(testSession("s2")); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	foreign := testMessage("m-foreign", "s2")
	foreign.Status = types.StatusStreaming
	if err := s.PutMessage(foreign); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	if err := s.MarkStreamActive("s1", "m-foreign"); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError for foreign message, got %v", err)
	}

	// Wrong status.
	done := testMessage("m-done", "s1")
	if err := s.PutMessage(done); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	if err := s.MarkStreamActive("s1", "m-done"); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError for non-streaming message, got %v", err)
	}

	streamingMessage(t, s, "s3", "m-live")
	if err := s.MarkStreamActive("s3", "m-live"); err != nil {
		t.Fatalf("MarkStreamActive failed: %v", err)
	}
	streams, err := s.ListActiveStreams()
	if err != nil {
		t.Fatalf("ListActiveStreams failed: %v", err)
	}
	if len(streams) != 1 || streams[0].MessageID != "m-live" {
		t.Errorf("Unexpected active streams: %+v", streams)
	}
}

func TestBeginStreamCreatesBoth(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	seedSessionForStream(t, s)
	m := testMessage("m1", "s1")
	m.Role = types.RoleAssistant
	m.Status = types.StatusStreaming
	if err := s.BeginStream(m); err != nil {
		t.Fatalf("BeginStream failed: %v", err)
	}

	streams, err := s.ListActiveStreams()
	if err != nil {
		t.Fatalf("ListActiveStreams failed: %v", err)
	}
	if len(streams) != 1 || streams[0].MessageID != "m1" {
		t.Errorf("Unexpected active streams: %+v", streams)
	}
	persisted, _ := s.GetMessage("m1")
	if persisted == nil || persisted.Status != types.StatusStreaming {
		t.Errorf("Unexpected message: %+v", persisted)
	}
}

func TestBeginStreamRejectsNonStreaming(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	seedSessionForStream(t, s)
	m := testMessage("m1", "s1")
	if err := s.BeginStream(m); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError, got %v", err)
	}
}

func TestBeginStreamIsAtomic(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	seedSessionForStream(t, s)

	// Break the second write: with active_streams gone, the transaction
	// must roll the message insert back rather than leave a streaming
	// message the abandonment sweep can never see.
	if _, err := s.db.Exec("DROP TABLE active_streams"); err != nil {
		t.Fatalf("Failed to drop table: %v", err)
	}

	m := testMessage("m1", "s1")
	m.Role = types.RoleAssistant
	m.Status = types.StatusStreaming
	if err := s.BeginStream(m); err == nil {
		t.Fatal("Expected BeginStream to fail")
	}

	persisted, err := s.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if persisted != nil {
		t.Errorf("Partial write survived: orphaned streaming message %+v", persisted)
	}
}

func seedSessionForStream(t *testing.T, s *Store) {
	t.Helper()
	if err := s.UpsertSession(testSession("s1")); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
}

func TestFlushStreamContent(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	streamingMessage(t, s, "s1", "m1")
	if err := s.FlushStreamContent("s1", "m1", "partial text"); err != nil {
		t.Fatalf("FlushStreamContent failed: %v", err)
	}

	m, err := s.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.Content != "partial text" {
		t.Errorf("Content = %q, want %q", m.Content, "partial text")
	}
	if m.Status != types.StatusStreaming {
		t.Errorf("Flush must not change status, got %s", m.Status)
	}
}

func TestFlushIgnoresCompletedMessage(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if err := s.UpsertSession(testSession("s1")); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	m := testMessage("m1", "s1")
	m.Status = types.StatusCompleted
	m.Content = "final"
	if err := s.PutMessage(m); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}

	if err := s.FlushStreamContent("s1", "m1", "stale write"); err != nil {
		t.Fatalf("FlushStreamContent failed: %v", err)
	}
	got, _ := s.GetMessage("m1")
	if got.Content != "final" {
		t.Errorf("Completed message was overwritten: %q", got.Content)
	}
}

func TestCompleteStream(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	streamingMessage(t, s, "s1", "m1")
	if err := s.MarkStreamActive("s1", "m1"); err != nil {
		t.Fatalf("MarkStreamActive failed: %v", err)
	}

	if err := s.CompleteStream("s1", "m1", "full response"); err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	m, _ := s.GetMessage("m1")
	if m.Status != types.StatusCompleted || m.Content != "full response" {
		t.Errorf("Unexpected message after completion: %+v", m)
	}
	streams, _ := s.ListActiveStreams()
	if len(streams) != 0 {
		t.Errorf("Active stream record should be gone, got %+v", streams)
	}

	// Completing again must fail: the message is no longer streaming.
	if err := s.CompleteStream("s1", "m1", "rewrite"); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError on double complete, got %v", err)
	}
	m, _ = s.GetMessage("m1")
	if m.Content != "full response" {
		t.Errorf("Completed content mutated: %q", m.Content)
	}
}

func TestFailStreamPreservesPartial(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	streamingMessage(t, s, "s1", "m1")
	if err := s.MarkStreamActive("s1", "m1"); err != nil {
		t.Fatalf("MarkStreamActive failed: %v", err)
	}
	if err := s.FlushStreamContent("s1", "m1", "Hello, wor"); err != nil {
		t.Fatalf("FlushStreamContent failed: %v", err)
	}

	if err := s.FailStream("s1", "m1", "connection reset", ""); err != nil {
		t.Fatalf("FailStream failed: %v", err)
	}

	m, _ := s.GetMessage("m1")
	if m.Status != types.StatusError {
		t.Errorf("Status = %s, want error", m.Status)
	}
	if m.Content != "Hello, wor" {
		t.Errorf("Partial content lost: %q", m.Content)
	}
	streams, _ := s.ListActiveStreams()
	if len(streams) != 0 {
		t.Errorf("Active stream record should be gone, got %+v", streams)
	}
}

func TestCancelStreamDeletesMessage(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	streamingMessage(t, s, "s1", "m1")
	if err := s.MarkStreamActive("s1", "m1"); err != nil {
		t.Fatalf("MarkStreamActive failed: %v", err)
	}

	if err := s.CancelStream("s1", "m1"); err != nil {
		t.Fatalf("CancelStream failed: %v", err)
	}

	m, err := s.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m != nil {
		t.Errorf("Cancelled message should be deleted, got %+v", m)
	}
	streams, _ := s.ListActiveStreams()
	if len(streams) != 0 {
		t.Errorf("Active stream record should be gone, got %+v", streams)
	}
}

func TestColdSessionsAndEvict(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	for i, id := range []string{"oldest", "middle", "newest"} {
		sess := testSession(id)
		sess.LastAccessedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		if err := s.UpsertSession(sess); err != nil {
			t.Fatalf("UpsertSession(%s) failed: %v", id, err)
		}
	}
	if err := s.PutMessage(testMessage("m1", "oldest")); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	if err := s.PutMessage(testMessage("m2", "oldest")); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	// Writes bump recency; backdate again so "oldest" stays the cold one.
	backdated := testSession("oldest")
	backdated.LastAccessedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := s.UpsertSession(backdated); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	cold, err := s.ColdSessions(2)
	if err != nil {
		t.Fatalf("ColdSessions failed: %v", err)
	}
	if len(cold) != 1 || cold[0] != "oldest" {
		t.Fatalf("Expected [oldest], got %v", cold)
	}

	deleted, err := s.EvictSession("oldest")
	if err != nil {
		t.Fatalf("EvictSession failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted messages, got %d", deleted)
	}
	if sess, _ := s.GetSession("oldest"); sess != nil {
		t.Error("Evicted session still present")
	}
}

func TestColdSessionsUnderLimit(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if err := s.UpsertSession(testSession("s1")); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	cold, err := s.ColdSessions(10)
	if err != nil {
		t.Fatalf("ColdSessions failed: %v", err)
	}
	if len(cold) != 0 {
		t.Errorf("Expected no cold sessions, got %v", cold)
	}
}

func TestStaleStreams(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	streamingMessage(t, s, "s1", "m1")
	if err := s.MarkStreamActive("s1", "m1"); err != nil {
		t.Fatalf("MarkStreamActive failed: %v", err)
	}

	// Fresh stream is not stale at a one hour horizon.
	stale, err := s.StaleStreams(time.Hour)
	if err != nil {
		t.Fatalf("StaleStreams failed: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("Fresh stream reported stale: %+v", stale)
	}

	// Everything is stale at a zero horizon.
	stale, err = s.StaleStreams(0)
	if err != nil {
		t.Fatalf("StaleStreams failed: %v", err)
	}
	if len(stale) != 1 || stale[0].MessageID != "m1" {
		t.Errorf("Expected m1 stale, got %+v", stale)
	}
}
