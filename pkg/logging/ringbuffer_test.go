package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(i int) map[string]any {
	return map[string]any{"n": i}
}

func TestRingBuffer(t *testing.T) {
	t.Run("append below capacity", func(t *testing.T) {
		r := NewRingBuffer(5)
		for i := 0; i < 3; i++ {
			r.Append(entry(i))
		}
		assert.Equal(t, 3, r.Len())

		got := r.Entries(0)
		require.Len(t, got, 3)
		assert.Equal(t, 0, got[0]["n"])
		assert.Equal(t, 2, got[2]["n"])
	})

	t.Run("overflow drops oldest", func(t *testing.T) {
		r := NewRingBuffer(3)
		for i := 0; i < 5; i++ {
			r.Append(entry(i))
		}
		assert.Equal(t, 3, r.Len())

		got := r.Entries(0)
		require.Len(t, got, 3)
		assert.Equal(t, 2, got[0]["n"])
		assert.Equal(t, 4, got[2]["n"])
	})

	t.Run("limit returns newest", func(t *testing.T) {
		r := NewRingBuffer(10)
		for i := 0; i < 8; i++ {
			r.Append(entry(i))
		}
		got := r.Entries(2)
		require.Len(t, got, 2)
		assert.Equal(t, 6, got[0]["n"])
		assert.Equal(t, 7, got[1]["n"])
	})

	t.Run("clear", func(t *testing.T) {
		r := NewRingBuffer(3)
		r.Append(entry(1))
		r.Clear()
		assert.Equal(t, 0, r.Len())
		assert.Empty(t, r.Entries(0))
	})

	t.Run("non-positive capacity uses default", func(t *testing.T) {
		r := NewRingBuffer(0)
		for i := 0; i < DefaultRingCapacity+10; i++ {
			r.Append(entry(i))
		}
		assert.Equal(t, DefaultRingCapacity, r.Len())
	})
}

func TestRingBufferConcurrent(t *testing.T) {
	r := NewRingBuffer(100)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Append(map[string]any{"msg": fmt.Sprintf("w-%d", i)})
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = r.Entries(10)
	}
	<-done
	assert.Equal(t, 100, r.Len())
}
