package ble

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncerRunsOnlyLast(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	var last atomic.Int32
	var runs atomic.Int32

	for i := int32(1); i <= 5; i++ {
		i := i
		d.Schedule(func() {
			runs.Add(1)
			last.Store(i)
		})
	}

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(5), last.Load())
}

func TestDebouncerCancel(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	var runs atomic.Int32

	d.Schedule(func() { runs.Add(1) })
	assert.True(t, d.Cancel())
	assert.False(t, d.Cancel())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}
