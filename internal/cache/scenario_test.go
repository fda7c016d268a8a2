package cache

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"convocache/internal/store"
	"convocache/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Walks a whole conversation lifecycle across a simulated crash: optimistic
// send, ack, a streamed reply interrupted mid-generation, then a fresh process
// over the same database recovering the orphaned stream.
func TestConversationLifecycleWithCrash(t *testing.T) {
	dir := t.TempDir()
	dbPath := dir + "/cache.db"

	s, err := store.New(dbPath)
	require.NoError(t, err)
	c := New(s, Options{FlushEvery: 1})
	require.NoError(t, c.Init(context.Background()))

	// User sends; the optimistic record renders immediately.
	temp, err := c.OnUserSend("S1", "hi")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSending, temp.Status)

	// Server acknowledges with the canonical id.
	require.NoError(t, c.Sync().AckUserSend("S1", temp.ID, "m1"))
	messages, err := c.Subscribe("S1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, types.StatusSent, messages[0].Status)

	// Fork an alternative branch at the acknowledged message.
	branch, err := s.ForkSession("S1", "m1", "alt", "what if")
	require.NoError(t, err)
	assert.Equal(t, "S1", branch.ParentID)
	assert.Equal(t, "m1", branch.BranchPointID)
	children, err := s.Children("S1")
	require.NoError(t, err)
	require.Len(t, children, 1)

	// Assistant reply starts streaming; every delta flushes at cadence 1.
	reply, err := c.Tracker().Begin("S1", "m2")
	require.NoError(t, err)
	require.NoError(t, c.OnDelta("S1", reply.ID, "Hel"))
	require.NoError(t, c.OnDelta("S1", reply.ID, "lo"))

	// Crash: the process goes away without completing the stream. Closing
	// the store stands in for the dying process.
	require.NoError(t, c.Close())

	// Fresh process over the same database.
	s2, err := store.New(dbPath)
	require.NoError(t, err)
	c2 := New(s2, Options{Retention: RetentionConfig{StaleStreamTimeout: 1}})
	defer c2.Close()

	// The interrupted stream survived the crash as a durable record.
	orphans, err := c2.Tracker().ListActive()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "m2", orphans[0].MessageID)

	// Startup recovery finalizes it: error status, flushed partial intact.
	require.NoError(t, c2.Init(context.Background()))

	messages, err = c2.Subscribe("S1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)

	recovered := messages[1]
	assert.Equal(t, "m2", recovered.ID)
	assert.Equal(t, types.StatusError, recovered.Status)
	assert.Equal(t, "Hello", recovered.Content, "flushed partial survives the crash")

	orphans, err = c2.Tracker().ListActive()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestExportSessionCSV(t *testing.T) {
	s := newTestStore(t)
	c := New(s, Options{})

	temp, err := c.OnUserSend("S1", "export me")
	require.NoError(t, err)
	require.NoError(t, c.Sync().AckUserSend("S1", temp.ID, "m1"))

	var buf bytes.Buffer
	require.NoError(t, c.ExportSessionCSV(&buf, "S1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,role,content,status,created_at", lines[0])
	assert.Contains(t, lines[1], "m1,user,export me,sent,")
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	c := New(s, Options{})

	_, err := c.OnUserSend("S1", "one")
	require.NoError(t, err)
	_, err = c.Tracker().Begin("S1", "m2")
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SessionCount)
	assert.Equal(t, 2, stats.MessageCount)
	assert.Equal(t, 1, stats.ActiveStreamCount)
}
