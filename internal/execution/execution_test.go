package execution

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextOrdering(t *testing.T) {
	c := NewContext("test")
	defer c.Close()

	const n = 100
	out := make([]int, 0, n)
	done := make(chan struct{})
	for i := range n {
		require.True(t, c.Do(func() {
			out = append(out, i)
			if i == n-1 {
				close(done)
			}
		}))
	}
	<-done

	for i := range n {
		assert.Equal(t, i, out[i])
	}
}

func TestContextCall(t *testing.T) {
	c := NewContext("test")
	defer c.Close()

	var ran atomic.Bool
	ok := c.Call(func() { ran.Store(true) })
	assert.True(t, ok)
	assert.True(t, ran.Load())
}

func TestContextClosedRejectsTasks(t *testing.T) {
	c := NewContext("test")
	c.Close()

	assert.True(t, c.Closed())
	assert.False(t, c.Do(func() {}))
	assert.False(t, c.Call(func() {}))
}

func TestContextCloseIdempotent(t *testing.T) {
	c := NewContext("test")
	c.Close()
	c.Close()
}
