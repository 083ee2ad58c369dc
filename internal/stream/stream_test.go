package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
)

func TestFuncUnsubscribeOnce(t *testing.T) {
	calls := 0
	sub := Func(func() { calls++ })
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, calls)
}

func TestSetUnsubscribeAll(t *testing.T) {
	var set Set
	calls := 0
	set.Add(Func(func() { calls++ }))
	set.Add(Func(func() { calls++ }))
	set.Add(nil)
	assert.Equal(t, 2, set.Len())

	set.UnsubscribeAll()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, set.Len())
}

func TestDebounceEmitsLatestAfterQuietPeriod(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	var got []int
	d := Debounce(c, time.Second, func(v int) { got = append(got, v) })

	d.Push(1)
	c.Advance(500 * time.Millisecond)
	d.Push(2)
	c.Advance(500 * time.Millisecond)
	d.Push(3)
	assert.Empty(t, got)

	c.Advance(time.Second)
	assert.Equal(t, []int{3}, got)
}

func TestDebounceZeroQuietIsSynchronous(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	var got []string
	d := Debounce(c, 0, func(v string) { got = append(got, v) })
	d.Push("a")
	d.Push("b")
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestDebounceStopDropsPending(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	fired := false
	d := Debounce(c, time.Second, func(int) { fired = true })
	d.Push(1)
	d.Stop()
	c.Advance(time.Minute)
	assert.False(t, fired)

	d.Push(2)
	c.Advance(time.Minute)
	assert.False(t, fired)
}
