package orchestrator

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedStateQuotaUnderConcurrency(t *testing.T) {
	s := NewSharedState(7, 50)
	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				inst, ok := s.TryClaim()
				if !ok {
					return
				}
				mu.Lock()
				got = append(got, inst)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, 50)
	sort.Ints(got)
	for i, inst := range got {
		require.Equal(t, 7+i, inst)
	}
	require.Equal(t, 50, s.Claimed())
	require.True(t, s.Exhausted())
}

func TestSharedStateReleaseIsReused(t *testing.T) {
	s := NewSharedState(0, 2)
	a, ok := s.TryClaim()
	require.True(t, ok)
	b, ok := s.TryClaim()
	require.True(t, ok)
	_, ok = s.TryClaim()
	require.False(t, ok)

	s.Release(a)
	require.Equal(t, 1, s.Claimed())
	require.False(t, s.Exhausted())
	again, ok := s.TryClaim()
	require.True(t, ok)
	require.Equal(t, a, again)
	require.NotEqual(t, b, again)
	require.True(t, s.Exhausted())
}

func TestSharedStateZeroLimit(t *testing.T) {
	s := NewSharedState(3, 0)
	_, ok := s.TryClaim()
	require.False(t, ok)
	require.True(t, s.Exhausted())
}

func TestSharedStatePublishOnce(t *testing.T) {
	s := NewSharedState(0, 1)
	_, _, ok := s.Window()
	require.False(t, ok)
	require.False(t, s.Ended(time.Now()))

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	start, end := s.Publish(t0, time.Minute, 19*time.Second)
	require.Equal(t, t0.Add(19*time.Second), start)
	require.Equal(t, t0.Add(79*time.Second), end)

	start2, end2 := s.Publish(t0.Add(time.Hour), time.Second, 0)
	require.Equal(t, start, start2)
	require.Equal(t, end, end2)

	require.False(t, s.Ended(end.Add(-time.Nanosecond)))
	require.True(t, s.Ended(end))
}
