package cache

import (
	"testing"
	"time"

	"convocache/internal/store"
	"convocache/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s *store.Store, id string) {
	t.Helper()
	if err := s.UpsertSession(types.Session{ID: id, Title: "test " + id}); err != nil {
		t.Fatalf("UpsertSession(%s) failed: %v", id, err)
	}
}

func TestBeginCreatesStreamingMessage(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 0)

	m, err := tr.Begin("s1", "")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if m.ID == "" {
		t.Error("Begin should generate a message id")
	}
	if m.Role != types.RoleAssistant || m.Status != types.StatusStreaming {
		t.Errorf("Unexpected placeholder: role=%s status=%s", m.Role, m.Status)
	}

	streams, err := tr.ListActive()
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(streams) != 1 || streams[0].MessageID != m.ID {
		t.Errorf("Expected one active stream for %s, got %+v", m.ID, streams)
	}
}

func TestMarkActiveResumesExistingMessage(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 1)

	// A streaming message already persisted, e.g. by a hydration write.
	m := types.Message{
		ID:        "m1",
		SessionID: "s1",
		Role:      types.RoleAssistant,
		Status:    types.StatusStreaming,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PutMessage(m); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	if err := tr.MarkActive("s1", "m1"); err != nil {
		t.Fatalf("MarkActive failed: %v", err)
	}
	if err := tr.AppendDelta("s1", "m1", "resumed"); err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}

	persisted, _ := s.GetMessage("m1")
	if persisted.Content != "resumed" {
		t.Errorf("Content = %q, want %q", persisted.Content, "resumed")
	}
}

func TestAppendDeltaFlushCadence(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 2)

	m, err := tr.Begin("s1", "m1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := tr.AppendDelta("s1", m.ID, "Hel"); err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}
	// One delta staged, not yet flushed.
	persisted, _ := s.GetMessage(m.ID)
	if persisted.Content != "" {
		t.Errorf("Content flushed too early: %q", persisted.Content)
	}
	if got := tr.StagedContent("s1", m.ID); got != "Hel" {
		t.Errorf("StagedContent = %q, want %q", got, "Hel")
	}

	if err := tr.AppendDelta("s1", m.ID, "lo"); err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}
	// Second delta hits the cadence and flushes the whole buffer.
	persisted, _ = s.GetMessage(m.ID)
	if persisted.Content != "Hello" {
		t.Errorf("Flushed content = %q, want %q", persisted.Content, "Hello")
	}
	if persisted.Status != types.StatusStreaming {
		t.Errorf("Flush must not change status, got %s", persisted.Status)
	}
}

func TestAppendDeltaUnknownStream(t *testing.T) {
	s := newTestStore(t)
	tr := NewTracker(s, 0)

	if err := tr.AppendDelta("s1", "ghost", "x"); !store.IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError, got %v", err)
	}
}

func TestCompleteUsesStagedWhenFinalEmpty(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 100)

	m, err := tr.Begin("s1", "m1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, d := range []string{"one ", "two ", "three"} {
		if err := tr.AppendDelta("s1", m.ID, d); err != nil {
			t.Fatalf("AppendDelta failed: %v", err)
		}
	}

	if err := tr.Complete("s1", m.ID, ""); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	persisted, _ := s.GetMessage(m.ID)
	if persisted.Status != types.StatusCompleted {
		t.Errorf("Status = %s, want completed", persisted.Status)
	}
	if persisted.Content != "one two three" {
		t.Errorf("Content = %q, want staged concatenation", persisted.Content)
	}
	if got := tr.StagedContent("s1", m.ID); got != "" {
		t.Errorf("Staged buffer should be cleared, got %q", got)
	}
}

func TestCompletePrefersExplicitFinal(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 100)

	m, _ := tr.Begin("s1", "m1")
	if err := tr.AppendDelta("s1", m.ID, "partial"); err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}
	if err := tr.Complete("s1", m.ID, "canonical full text"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	persisted, _ := s.GetMessage(m.ID)
	if persisted.Content != "canonical full text" {
		t.Errorf("Content = %q, want the explicit final", persisted.Content)
	}
}

func TestFailPreservesStagedPartial(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 100)

	m, _ := tr.Begin("s1", "m1")
	if err := tr.AppendDelta("s1", m.ID, "half an answ"); err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}
	if err := tr.Fail("s1", m.ID, "connection reset"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	persisted, _ := s.GetMessage(m.ID)
	if persisted.Status != types.StatusError {
		t.Errorf("Status = %s, want error", persisted.Status)
	}
	if persisted.Content != "half an answ" {
		t.Errorf("Partial content lost: %q", persisted.Content)
	}
}

func TestCancelDiscardsMessage(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 1)

	m, _ := tr.Begin("s1", "m1")
	if err := tr.AppendDelta("s1", m.ID, "flushed partial"); err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}
	if err := tr.Cancel("s1", m.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	persisted, _ := s.GetMessage(m.ID)
	if persisted != nil {
		t.Errorf("Cancelled message should be gone, got %+v", persisted)
	}
	streams, _ := tr.ListActive()
	if len(streams) != 0 {
		t.Errorf("Active stream record should be gone, got %+v", streams)
	}
}

func TestRecoverAbandoned(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1")
	tr := NewTracker(s, 1)

	m, _ := tr.Begin("s1", "m1")
	if err := tr.AppendDelta("s1", m.ID, "orphaned work"); err != nil {
		t.Fatalf("AppendDelta failed: %v", err)
	}

	// Generous horizon: the fresh stream is left alone.
	n, err := tr.RecoverAbandoned(time.Hour)
	if err != nil {
		t.Fatalf("RecoverAbandoned failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Recovered %d streams at a 1h horizon, want 0", n)
	}

	// Zero horizon: everything qualifies as abandoned.
	n, err = tr.RecoverAbandoned(0)
	if err != nil {
		t.Fatalf("RecoverAbandoned failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recovered %d streams, want 1", n)
	}

	persisted, _ := s.GetMessage(m.ID)
	if persisted.Status != types.StatusError {
		t.Errorf("Status = %s, want error", persisted.Status)
	}
	if persisted.Content != "orphaned work" {
		t.Errorf("Flushed partial lost: %q", persisted.Content)
	}
	streams, _ := tr.ListActive()
	if len(streams) != 0 {
		t.Errorf("Active stream record should be gone, got %+v", streams)
	}
}
