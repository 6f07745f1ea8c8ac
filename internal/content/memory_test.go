package content

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, 0)
	defer s.Close()

	added, err := s.Add(ctx, Record{ID: 7, Types: []string{"text/plain"}, Description: "first"})
	require.NoError(t, err)
	require.True(t, added)

	added, err = s.Add(ctx, Record{ID: 7, Types: []string{"text/html"}, Description: "second"})
	require.NoError(t, err)
	require.False(t, added)

	rec, ok, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", rec.Description)
	require.Equal(t, []string{"text/plain"}, rec.Types)
	require.Equal(t, []byte("first"), rec.Bytes())
}

func TestMemoryMissAndZeroID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, 0)
	_, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Add(ctx, Record{})
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestMemoryRecordsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, 0)
	payload := []byte("abc")
	_, err := s.Add(ctx, Record{ID: 1, Payload: payload})
	require.NoError(t, err)
	payload[0] = 'x'

	rec, _, _ := s.Get(ctx, 1)
	require.Equal(t, "abc", string(rec.Bytes()))
	rec.Payload[1] = 'y'
	again, _, _ := s.Get(ctx, 1)
	require.Equal(t, "abc", string(again.Bytes()))
}

func TestMemoryCapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, 2)
	for id := uint64(1); id <= 3; id++ {
		_, err := s.Add(ctx, Record{ID: id, Description: "x"})
		require.NoError(t, err)
	}
	n, _ := s.Len(ctx)
	require.Equal(t, 2, n)
	_, ok, _ := s.Get(ctx, 1)
	require.False(t, ok)
	_, ok, _ = s.Get(ctx, 3)
	require.True(t, ok)
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(20*time.Millisecond, 0)
	_, err := s.Add(ctx, Record{ID: 1, Description: "old"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := s.Get(ctx, 1)
		return !ok
	}, time.Second, 5*time.Millisecond)

	added, err := s.Add(ctx, Record{ID: 1, Description: "new"})
	require.NoError(t, err)
	require.True(t, added)
}

func TestMemoryCapIgnoresExpiredRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(30*time.Millisecond, 2)
	defer s.Close()

	for _, id := range []uint64{1, 2} {
		_, err := s.Add(ctx, Record{ID: id, Description: "old"})
		require.NoError(t, err)
	}
	time.Sleep(60 * time.Millisecond)
	for _, id := range []uint64{3, 4} {
		added, err := s.Add(ctx, Record{ID: id, Description: "new"})
		require.NoError(t, err)
		require.True(t, added)
	}

	for _, id := range []uint64{3, 4} {
		_, ok, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "record %d evicted below the cap", id)
	}
	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestMemoryConcurrentAddSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, 0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Add(ctx, Record{ID: 5, Description: "d"})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
