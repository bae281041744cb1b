package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/rules"
)

var _ Sink = (*InMemorySink)(nil)
var _ Reader = (*InMemorySink)(nil)
var _ Sink = (*PostgresSink)(nil)
var _ Reader = (*PostgresSink)(nil)

func TestInMemorySinkLatest(t *testing.T) {
	ctx := context.Background()
	audits := audit.NewInMemoryStore()
	sink := NewInMemorySink(audits)

	_, _, err := sink.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshots)

	first := &Snapshot{ID: "snap-1", Timestamp: ago(60)}
	second := &Snapshot{ID: "snap-2", Timestamp: testNow}
	require.NoError(t, sink.CreateSnapshot(ctx, first))
	require.NoError(t, sink.CreateSnapshot(ctx, second))

	for _, n := range []int{3, 1, 2} {
		ls := &LevelSnapshot{SnapshotID: "snap-2", LevelNumber: n, Band: rules.BandLow, CalculatedAt: testNow}
		entry := &audit.Entry{LevelNumber: n, Timestamp: testNow}
		require.NoError(t, sink.SaveLevel(ctx, ls, entry))

		assert.NotEmpty(t, entry.ID)
		assert.Equal(t, entry.ID, ls.AuditEntryID)
	}

	snap, levels, err := sink.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snap-2", snap.ID)
	require.Len(t, levels, 3)
	for i, ls := range levels {
		assert.Equal(t, i+1, ls.LevelNumber)

		stored, err := audits.Get(ctx, ls.AuditEntryID)
		require.NoError(t, err)
		assert.Equal(t, ls.LevelNumber, stored.LevelNumber)
	}

	// Returned values are copies
	levels[0].Score = 99
	_, again, _ := sink.Latest(ctx)
	assert.Equal(t, 0, again[0].Score)
}

func TestInMemorySinkLatestWithoutLevels(t *testing.T) {
	ctx := context.Background()
	sink := NewInMemorySink(audit.NewInMemoryStore())
	require.NoError(t, sink.CreateSnapshot(ctx, &Snapshot{ID: "empty", Timestamp: testNow}))

	snap, levels, err := sink.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "empty", snap.ID)
	assert.Empty(t, levels)
}
