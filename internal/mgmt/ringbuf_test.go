package mgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyRing_QuarterDropWhenFull(t *testing.T) {
	ring := newReplyRing(4)
	var dropped int
	ring.onDropOldestQuarter = func(n int) { dropped += n }

	for i := 1; i <= 5; i++ {
		ring.push(&Frame{Opcode: EvCmdComplete, Index: uint16(i)})
	}

	assert.Equal(t, 1, dropped, "capacity 4 drops one (4/4) entry before the 5th push")
	assert.Equal(t, 4, ring.len(), "the newest four entries remain")

	f, ok := ring.pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint16(2), f.Index, "the oldest surviving entry is #2, #1 was dropped")
}

func TestReplyRing_PopTimesOutWhenEmpty(t *testing.T) {
	ring := newReplyRing(4)
	_, ok := ring.pop(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestReplyRing_PopUnblocksOnPush(t *testing.T) {
	ring := newReplyRing(4)

	done := make(chan *Frame, 1)
	go func() {
		f, ok := ring.pop(time.Second)
		if ok {
			done <- f
		} else {
			done <- nil
		}
	}()

	time.Sleep(20 * time.Millisecond)
	ring.push(&Frame{Opcode: EvCmdComplete, Index: 7})

	select {
	case f := <-done:
		require.NotNil(t, f)
		assert.Equal(t, uint16(7), f.Index)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after push")
	}
}
