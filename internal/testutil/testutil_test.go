package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	var n atomic.Int32
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(2 * time.Millisecond)
			n.Add(1)
		}
	}()
	WaitFor(t, time.Second, "counter never reached 3", func() bool { return n.Load() >= 3 })
}

func TestAssertNoError(t *testing.T) {
	AssertNoError(t, nil)
}
