package fleet

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrConflict marks a request for radios that are busy or not ours.
var ErrConflict = errors.New("radio conflict")

// State is the radio inventory plus the idle/active partition. Every radio id
// is in exactly one of the two sets.
type State struct {
	mu     sync.RWMutex
	radios Inventory
	idle   map[int]struct{}
	active map[int]struct{}
}

// NewState returns an empty fleet.
func NewState() *State {
	return &State{idle: map[int]struct{}{}, active: map[int]struct{}{}}
}

// Reset installs a new inventory and marks every radio idle.
func (s *State) Reset(radios Inventory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.radios = append(Inventory(nil), radios...)
	s.idle = make(map[int]struct{}, len(radios))
	s.active = map[int]struct{}{}
	for i := range radios {
		s.idle[i] = struct{}{}
	}
}

// Update replaces the inventory. The partition is only reset when the
// inventory changed or the partition is empty, so repeated discovery does not
// free radios that are still in use.
func (s *State) Update(radios Inventory) bool {
	s.mu.Lock()
	same := s.radios != nil && len(s.radios) == len(radios)
	if same {
		for i := range radios {
			if s.radios[i].Args != radios[i].Args {
				same = false
				break
			}
		}
	}
	empty := len(s.idle) == 0 && len(s.active) == 0
	s.mu.Unlock()
	if same && !empty {
		return false
	}
	s.Reset(radios)
	return true
}

// Known reports whether an inventory has been installed.
func (s *State) Known() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.radios != nil
}

// Activate moves ids from idle to active. Nothing changes on failure.
func (s *State) Activate(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.active[id]; ok {
			return errors.Wrapf(ErrConflict, "radio %d already active", id)
		}
		if _, ok := s.idle[id]; !ok {
			return errors.Wrapf(ErrConflict, "radio %d is not under this server", id)
		}
	}
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return errors.Wrapf(ErrConflict, "radio %d requested twice", id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		delete(s.idle, id)
		s.active[id] = struct{}{}
	}
	return nil
}

// Deactivate moves ids from active back to idle. Nothing changes on failure.
func (s *State) Deactivate(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.active[id]; !ok {
			return errors.Wrapf(ErrConflict, "radio %d is not active", id)
		}
	}
	for _, id := range ids {
		delete(s.active, id)
		s.idle[id] = struct{}{}
	}
	return nil
}

// IsIdle reports whether id is idle.
func (s *State) IsIdle(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idle[id]
	return ok
}

// IsActive reports whether id is active.
func (s *State) IsActive(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[id]
	return ok
}

// Idle returns the sorted idle ids.
func (s *State) Idle() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.idle)
}

// Active returns the sorted active ids.
func (s *State) Active() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.active)
}

// Radios returns a copy of the inventory.
func (s *State) Radios() Inventory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(Inventory(nil), s.radios...)
}

// Radio returns one record.
func (s *State) Radio(id int) (RadioRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= len(s.radios) {
		return RadioRecord{}, false
	}
	return s.radios[id], true
}

// Len is the inventory size.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.radios)
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
