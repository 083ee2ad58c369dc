package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtualFiresInDeadlineOrder(t *testing.T) {
	c := NewVirtual(start)
	var order []int
	var seenAt []time.Time

	c.AfterFunc(30*time.Second, func() { order = append(order, 3); seenAt = append(seenAt, c.Now()) })
	c.AfterFunc(10*time.Second, func() { order = append(order, 1); seenAt = append(seenAt, c.Now()) })
	c.AfterFunc(20*time.Second, func() { order = append(order, 2); seenAt = append(seenAt, c.Now()) })

	c.Advance(25 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, start.Add(10*time.Second), seenAt[0])
	assert.Equal(t, start.Add(25*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())

	c.Advance(5 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestVirtualZeroDelayWaitsForAdvance(t *testing.T) {
	c := NewVirtual(start)
	fired := false
	c.AfterFunc(0, func() { fired = true })
	assert.False(t, fired)

	c.Advance(0)
	assert.True(t, fired)
}

func TestVirtualStop(t *testing.T) {
	c := NewVirtual(start)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestVirtualTimersArmedByCallbacks(t *testing.T) {
	c := NewVirtual(start)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
}

func TestVirtualAfter(t *testing.T) {
	c := NewVirtual(start)
	ch := c.After(time.Second)
	select {
	case <-ch:
		t.Fatal("fired before Advance")
	default:
	}
	c.Advance(time.Second)
	assert.Equal(t, start.Add(time.Second), <-ch)
}
