package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_AllowsUpToLimitThenBlocks(t *testing.T) {
	w := New(3, time.Second)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.False(t, w.Allow(now))
}

func TestWindow_PrunesExpiredEvents(t *testing.T) {
	w := New(2, time.Second)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.False(t, w.Allow(now))

	later := now.Add(1100 * time.Millisecond)
	assert.True(t, w.Allow(later), "events older than the window should be pruned")
}

func TestWindow_RemainingReflectsPrunedState(t *testing.T) {
	w := New(5, time.Second)
	now := time.Now()
	w.Allow(now)
	w.Allow(now)
	assert.Equal(t, 3, w.Remaining(now))

	later := now.Add(2 * time.Second)
	assert.Equal(t, 5, w.Remaining(later))
}
