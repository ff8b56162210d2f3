package keystore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
)

func TestStore_Insert(t *testing.T) {
	s := New[int]("test-insert")
	require.True(t, s.Insert("a", 1))
	require.False(t, s.Insert("a", 2))

	value, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, value)
	require.Equal(t, 1, s.Len())
}

func TestStore_Update(t *testing.T) {
	s := New[int]("test-update")
	s.Insert("a", 1)

	value, err := s.Update("a", func(old int) (int, error) {
		return old + 10, nil
	})
	require.NoError(t, err)
	require.Equal(t, 11, value)

	_, err = s.Update("missing", func(old int) (int, error) { return old, nil })
	require.True(t, errors.Is(err, ErrKeyNotFound))

	failure := errors.New("rejected")
	_, err = s.Update("a", func(old int) (int, error) { return 0, failure })
	require.True(t, errors.Is(err, failure))
	value, _ = s.Get("a")
	require.Equal(t, 11, value)
}

func TestStore_Delete(t *testing.T) {
	s := New[string]("test-delete")
	s.Insert("a", "x")
	s.Delete("a")
	_, ok := s.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

// Exactly one of N racing inserts on the same key must win.
func TestStore_ConcurrentInsert(t *testing.T) {
	s := New[int]("test-race")
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Insert("payment-1", i) {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(1), wins)
	require.Equal(t, 1, s.Len())
}

func TestStore_Range(t *testing.T) {
	s := New[int]("test-range")
	for i := 0; i < 5; i++ {
		s.Insert(fmt.Sprintf("k%d", i), i)
	}
	seen := map[string]int{}
	s.Range(func(key string, value int) bool {
		seen[key] = value
		return true
	})
	require.Len(t, seen, 5)
}
