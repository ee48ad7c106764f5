package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetUpsertReportsVisibleChange(t *testing.T) {
	s := NewSet(3 * time.Second)
	now := time.Now()

	assert.True(t, s.Upsert(2, now), "first signal makes the user visible")
	assert.False(t, s.Upsert(2, now.Add(time.Second)), "a refresh changes nothing visible")
	assert.Equal(t, []int{2}, s.Users())
}

func TestSetKeepsFirstSignalOrder(t *testing.T) {
	s := NewSet(3 * time.Second)
	now := time.Now()

	s.Upsert(3, now)
	s.Upsert(1, now)
	s.Upsert(2, now)
	s.Upsert(3, now.Add(time.Second))

	assert.Equal(t, []int{3, 1, 2}, s.Users(), "refreshing does not move a user to the back")
}

func TestSetRemove(t *testing.T) {
	s := NewSet(3 * time.Second)
	now := time.Now()

	s.Upsert(1, now)
	s.Upsert(2, now)

	assert.True(t, s.Remove(1))
	assert.False(t, s.Remove(1), "removing an absent user is a no-op")
	assert.Equal(t, []int{2}, s.Users())
}

func TestSetSweepExpiresOnlyStaleSignals(t *testing.T) {
	s := NewSet(3 * time.Second)
	now := time.Now()

	s.Upsert(1, now)
	s.Upsert(2, now.Add(2*time.Second))

	assert.False(t, s.Sweep(now.Add(time.Second)), "nothing stale yet")
	assert.True(t, s.Sweep(now.Add(4*time.Second)), "the first signal is past its deadline")
	assert.Equal(t, []int{2}, s.Users())

	assert.True(t, s.Sweep(now.Add(10*time.Second)))
	assert.Empty(t, s.Users())
}
