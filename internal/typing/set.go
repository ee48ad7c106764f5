package typing

import "time"

// Set tracks which remote users are currently typing in one conversation.
// It holds no timers of its own: the owning loop calls Sweep on its tick, so
// teardown is just dropping the Set. Not safe for concurrent use.
type Set struct {
	expiry   time.Duration
	deadline map[int]time.Time
	order    []int
}

// NewSet builds a Set with the given per-signal expiry.
func NewSet(expiry time.Duration) *Set {
	return &Set{expiry: expiry, deadline: make(map[int]time.Time)}
}

// Upsert records an active signal, refreshing the deadline. Returns true if
// the visible set changed.
func (s *Set) Upsert(userID int, now time.Time) bool {
	_, known := s.deadline[userID]
	s.deadline[userID] = now.Add(s.expiry)
	if !known {
		s.order = append(s.order, userID)
	}
	return !known
}

// Remove clears a user immediately (explicit stopped signal, or the user
// sent a message). Returns true if the user was present.
func (s *Set) Remove(userID int) bool {
	if _, known := s.deadline[userID]; !known {
		return false
	}
	delete(s.deadline, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Sweep drops signals past their deadline. Returns true if anything expired.
func (s *Set) Sweep(now time.Time) bool {
	changed := false
	kept := s.order[:0]
	for _, id := range s.order {
		if now.Before(s.deadline[id]) {
			kept = append(kept, id)
			continue
		}
		delete(s.deadline, id)
		changed = true
	}
	s.order = kept
	return changed
}

// Users returns the currently visible typists in first-signal order.
func (s *Set) Users() []int {
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}
