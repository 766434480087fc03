package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualRunsTimersInDeadlineOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)
	var order []string
	var seenAt []time.Time
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "late"); seenAt = append(seenAt, m.Now()) })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "early"); seenAt = append(seenAt, m.Now()) })

	m.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"early"}, order)
	assert.Equal(t, 1, m.Pending())

	m.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Equal(t, []time.Time{start.Add(10 * time.Millisecond), start.Add(30 * time.Millisecond)}, seenAt)
	assert.Equal(t, start.Add(40*time.Millisecond), m.Now())
}

func TestManualStopIsIdempotent(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	m.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Zero(t, m.Pending())
}

func TestManualStopAfterFire(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	timer := m.AfterFunc(time.Millisecond, func() {})
	m.Advance(time.Millisecond)
	assert.False(t, timer.Stop())
}

func TestManualTimerScheduledFromCallback(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	m.AfterFunc(5*time.Millisecond, func() {
		count++
		m.AfterFunc(5*time.Millisecond, func() { count++ })
	})
	m.Advance(10 * time.Millisecond)
	assert.Equal(t, 2, count)
}
