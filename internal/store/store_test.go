package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fieldlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)

	// Fresh database: everything empty but queryable.
	q, err := s.LoadQueue()
	require.NoError(t, err)
	assert.Empty(t, q)

	conn, syncT, err := s.LoadLinkState()
	require.NoError(t, err)
	assert.True(t, conn.IsZero())
	assert.True(t, syncT.IsZero())
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldlink.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Second open must not fail re-running migrations.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestQueueRoundTripPreservesOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	in := []QueuedEventRecord{
		{ID: "a", EventName: "emergency-route-request", Payload: []byte(`{"k":1}`), Timestamp: base, Priority: 2, RetryCount: 0},
		{ID: "b", EventName: "location-update", Payload: []byte(`{"k":2}`), Timestamp: base.Add(time.Second), Priority: 1, RetryCount: 1},
		{ID: "c", EventName: "heartbeat", Payload: nil, Timestamp: base.Add(2 * time.Second), Priority: 0, RetryCount: 2},
	}
	require.NoError(t, s.ReplaceQueue(in))

	out, err := s.LoadQueue()
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].EventName, out[i].EventName)
		assert.Equal(t, in[i].Priority, out[i].Priority)
		assert.Equal(t, in[i].RetryCount, out[i].RetryCount)
		assert.True(t, in[i].Timestamp.Equal(out[i].Timestamp))
	}
}

func TestReplaceQueueOverwrites(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ReplaceQueue([]QueuedEventRecord{
		{ID: "old", EventName: "heartbeat", Timestamp: time.Now(), Priority: 0},
	}))
	require.NoError(t, s.ReplaceQueue(nil))

	out, err := s.LoadQueue()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLinkStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	conn := time.UnixMilli(1_700_000_123_000)
	syncT := time.UnixMilli(1_700_000_456_000)
	require.NoError(t, s.SaveLinkState(conn, syncT))
	// Second save updates in place.
	require.NoError(t, s.SaveLinkState(conn.Add(time.Minute), syncT.Add(time.Minute)))

	gotConn, gotSync, err := s.LoadLinkState()
	require.NoError(t, err)
	assert.True(t, conn.Add(time.Minute).Equal(gotConn))
	assert.True(t, syncT.Add(time.Minute).Equal(gotSync))
}

func TestArchiveSessionPrunesHistory(t *testing.T) {
	s := openTestStore(t)

	const keep = 5
	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < keep+3; i++ {
		snapshot, _ := json.Marshal(map[string]any{"n": i})
		rec := SessionRecord{
			ID:        fmt.Sprintf("session-%02d", i),
			VehicleID: "AMB-042",
			StartTime: base.Add(time.Duration(i) * time.Hour),
			EndTime:   base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
			Status:    "completed",
			Snapshot:  snapshot,
		}
		require.NoError(t, s.ArchiveSession(rec, keep))
	}

	recent, err := s.RecentSessions(100)
	require.NoError(t, err)
	require.Len(t, recent, keep)

	// Newest first, and only the newest survive pruning.
	assert.Equal(t, "session-07", recent[0].ID)
	assert.Equal(t, "session-03", recent[keep-1].ID)
}

func TestRecentSessionsLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.ArchiveSession(SessionRecord{
			ID:        fmt.Sprintf("s%d", i),
			VehicleID: "AMB-001",
			StartTime: base.Add(time.Duration(i) * time.Minute),
			Status:    "completed",
		}, 50))
	}

	recent, err := s.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "s3", recent[0].ID)
	assert.Equal(t, "s2", recent[1].ID)
}
