package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })

	c.Advance(1500 * time.Millisecond)
	require.Equal(t, []string{"a"}, order)
	c.Advance(time.Second)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, time.Unix(0, 0).Add(2500*time.Millisecond), c.Now())
}

func TestFakeStopCancelsTimer(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(time.Minute)
	require.False(t, fired)
	require.Zero(t, c.Pending())
}

func TestFakeTimersArmedDuringCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(3 * time.Second)
	require.Equal(t, 3, count)
	require.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, c.Armed())
}
