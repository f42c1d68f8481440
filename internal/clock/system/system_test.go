package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_NowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()

	assert.Equal(t, time.UTC, got.Location())
	assert.WithinDuration(t, before.Add(time.Second), got, 2*time.Second)
}
