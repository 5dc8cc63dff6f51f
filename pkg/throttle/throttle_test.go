package throttle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAllow(t *testing.T) {
	current := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(DefaultSize, DefaultTTL, DefaultMinGap)
	c.now = func() time.Time { return current }

	caseID := uuid.New()

	assert.True(t, c.Allow(caseID), "first update passes")
	assert.False(t, c.Allow(caseID), "immediate repeat is throttled")

	current = current.Add(4 * time.Second)
	assert.False(t, c.Allow(caseID), "still inside the gap")

	current = current.Add(time.Second)
	assert.True(t, c.Allow(caseID), "gap elapsed")

	assert.True(t, c.Allow(uuid.New()), "other cases are independent")
}

func TestAllow_EvictsOldestWhenFull(t *testing.T) {
	current := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(2, DefaultTTL, DefaultMinGap)
	c.now = func() time.Time { return current }

	first, second, third := uuid.New(), uuid.New(), uuid.New()
	assert.True(t, c.Allow(first))
	assert.True(t, c.Allow(second))
	assert.True(t, c.Allow(third))

	assert.True(t, c.Allow(first), "evicted entry is forgotten")
	assert.False(t, c.Allow(third))
}

func TestNew_Defaults(t *testing.T) {
	c := New(0, 0, DefaultMinGap)
	assert.NotNil(t, c.lru)
	assert.Equal(t, DefaultMinGap, c.minGap)
}
