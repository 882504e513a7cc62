package fleet

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func threeRadios() Inventory {
	return Inventory{{Args: "serial=A"}, {Args: "serial=B"}, {Args: "serial=C"}}
}

func requirePartition(t *testing.T, s *State) {
	t.Helper()
	seen := map[int]int{}
	for _, id := range s.Idle() {
		seen[id]++
	}
	for _, id := range s.Active() {
		seen[id]++
	}
	if len(seen) != s.Len() {
		t.Fatalf("partition does not cover inventory: %v", seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("radio %d appears %d times", id, n)
		}
	}
}

func TestStateActivateDeactivate(t *testing.T) {
	s := NewState()
	s.Reset(threeRadios())
	requirePartition(t, s)

	require.NoError(t, s.Activate([]int{0, 2}))
	require.Equal(t, []int{1}, s.Idle())
	require.Equal(t, []int{0, 2}, s.Active())
	requirePartition(t, s)

	require.NoError(t, s.Deactivate([]int{2}))
	require.True(t, s.IsIdle(2))
	require.True(t, s.IsActive(0))
	requirePartition(t, s)
}

func TestStateActivateFailureLeavesStateUntouched(t *testing.T) {
	s := NewState()
	s.Reset(threeRadios())
	require.NoError(t, s.Activate([]int{1}))

	err := s.Activate([]int{0, 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConflict))
	require.True(t, s.IsIdle(0), "radio 0 must stay idle after a failed activate")

	err = s.Activate([]int{7})
	require.ErrorIs(t, err, ErrConflict)

	err = s.Activate([]int{2, 2})
	require.ErrorIs(t, err, ErrConflict)
	require.True(t, s.IsIdle(2))

	err = s.Deactivate([]int{1, 0})
	require.ErrorIs(t, err, ErrConflict)
	require.True(t, s.IsActive(1))
	requirePartition(t, s)
}

func TestStateUpdateKeepsPartitionForSameInventory(t *testing.T) {
	s := NewState()
	require.True(t, s.Update(threeRadios()))
	require.NoError(t, s.Activate([]int{0}))

	require.False(t, s.Update(threeRadios()))
	require.True(t, s.IsActive(0))

	require.True(t, s.Update(threeRadios()[:2]))
	require.Empty(t, s.Active())
	require.Equal(t, 2, s.Len())
}

func TestStaticDiscoverer(t *testing.T) {
	out, err := StaticDiscoverer("  ").Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, NoDevices, out)

	out, err = StaticDiscoverer(twoDevices).Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, twoDevices, out)
}

func TestUHDDiscovererMissingBinary(t *testing.T) {
	d := UHDDiscoverer{Binary: "/nonexistent/uhd_find_devices", Restrict: []string{"type=b200"}}
	out, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, NoDevices, out)
}
