package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []Record {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []Record{
		{ID: "a", Peer: 1, FileName: "one.dll", TotalBytes: 10, Incoming: true, Outcome: OutcomeInstalled, FinishedAt: base},
		{ID: "b", Peer: 2, FileName: "two.zip", TotalBytes: 20, Outcome: OutcomeSent, FinishedAt: base.Add(time.Minute)},
		{ID: "c", Peer: 1, FileName: "three.dll", TotalBytes: 30, Incoming: true, Outcome: OutcomeFailed, Reason: "checksum mismatch", FinishedAt: base.Add(2 * time.Minute)},
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range sampleRecords() {
		require.NoError(t, s.Add(ctx, rec))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")
	assert.Equal(t, "checksum mismatch", all[0].Reason)
	assert.Equal(t, OutcomeFailed, all[0].Outcome)
	assert.True(t, all[0].Incoming)
	assert.True(t, sampleRecords()[2].FinishedAt.Equal(all[0].FinishedAt))

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "b", limited[1].ID)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(0)
	exerciseStore(t, s)

	t.Run("bounded", func(t *testing.T) {
		s := NewMemoryStore(2)
		for _, rec := range sampleRecords() {
			require.NoError(t, s.Add(context.Background(), rec))
		}
		all, err := s.List(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "c", all[0].ID)
		assert.Equal(t, "b", all[1].ID)
	})

	t.Run("closed", func(t *testing.T) {
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Add(context.Background(), Record{}), ErrClosed)
	})
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)

	t.Run("prune", func(t *testing.T) {
		cutoff := sampleRecords()[1].FinishedAt
		n, err := s.Prune(context.Background(), cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		all, err := s.List(context.Background(), 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("reopen keeps records", func(t *testing.T) {
		again, err := OpenSQLite(path)
		require.NoError(t, err)
		defer again.Close()
		all, err := again.List(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "c", all[0].ID)
	})
}
