package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectTimeoutSurvivesThrottledDelivery(t *testing.T) {
	sched := NewMockScheduler(time.Unix(0, 0))
	c := NewConnectTimeout(sched, time.Second)

	var fired atomic.Int32
	_, ok := c.Begin(func() { fired.Add(1) })
	require.True(t, ok)

	// 100 deliveries, one every 100ms, against a one second timeout.
	for i := 0; i < 100; i++ {
		sched.Advance(100 * time.Millisecond)
		c.Observe()
	}
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, ConnectArmed, c.State())
	assert.Equal(t, uint64(100), c.Activity())

	sched.Advance(1001 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, ConnectFired, c.State())

	sched.Advance(10 * time.Second)
	assert.Equal(t, int32(1), fired.Load())
}

func TestConnectTimeoutFiresWithoutActivity(t *testing.T) {
	sched := NewMockScheduler(time.Unix(0, 0))
	c := NewConnectTimeout(sched, time.Second)

	var fired atomic.Int32
	period, _ := c.Begin(func() { fired.Add(1) })
	assert.True(t, c.Deadline().Equal(time.Unix(1, 0)))

	sched.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	sched.Advance(time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, c.Complete(period))
}

func TestConnectTimeoutCompleteExcludesFire(t *testing.T) {
	sched := NewMockScheduler(time.Unix(0, 0))
	c := NewConnectTimeout(sched, time.Second)

	var fired atomic.Int32
	period, _ := c.Begin(func() { fired.Add(1) })

	assert.True(t, c.Complete(period))
	assert.False(t, c.Complete(period))
	assert.Equal(t, ConnectCanceled, c.State())
	assert.Equal(t, 0, sched.Pending())

	sched.Advance(5 * time.Second)
	assert.Equal(t, int32(0), fired.Load())
}

func TestConnectTimeoutSupersede(t *testing.T) {
	sched := NewMockScheduler(time.Unix(0, 0))
	c := NewConnectTimeout(sched, time.Second)

	var first, second atomic.Int32
	p1, _ := c.Begin(func() { first.Add(1) })
	p2, _ := c.Begin(func() { second.Add(1) })
	assert.NotEqual(t, p1, p2)
	assert.False(t, c.Complete(p1))
	assert.True(t, c.Armed(p2))

	sched.Advance(2 * time.Second)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestConnectTimeoutStop(t *testing.T) {
	sched := NewMockScheduler(time.Unix(0, 0))
	c := NewConnectTimeout(sched, time.Second)

	var fired atomic.Int32
	c.Begin(func() { fired.Add(1) })
	c.Stop()

	_, ok := c.Begin(func() { fired.Add(1) })
	assert.False(t, ok)

	sched.Advance(5 * time.Second)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, ConnectCanceled, c.State())
}

func TestConnectTimeoutDisabled(t *testing.T) {
	sched := NewMockScheduler(time.Unix(0, 0))
	c := NewConnectTimeout(sched, 0)

	c.Begin(func() { t.Fatal("disabled timeout fired") })
	assert.Equal(t, 0, sched.Pending())
	sched.Advance(time.Hour)
}
