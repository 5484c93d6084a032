package store

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetIfAbsent(t *testing.T) {
	m := NewMemory[string]()

	assert.True(t, m.SetIfAbsent("a", "first"))
	assert.False(t, m.SetIfAbsent("a", "second"))

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestMemory_SetIfAbsentIsAtomic(t *testing.T) {
	m := NewMemory[int]()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.SetIfAbsent("key", i) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemory_Compute(t *testing.T) {
	m := NewMemory[int]()

	incr := func(cur int, ok bool) (int, bool) {
		if !ok {
			return 1, true
		}
		return cur + 1, true
	}

	v, ok := m.Compute("n", incr)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, _ = m.Compute("n", incr)
	assert.Equal(t, 2, v)

	_, ok = m.Compute("n", func(int, bool) (int, bool) { return 0, false })
	assert.False(t, ok)
	_, exists := m.Get("n")
	assert.False(t, exists)
}

func TestMemory_RangeAllowsReentrantDelete(t *testing.T) {
	m := NewMemory[int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	m.Range(func(key string, value int) bool {
		if value%2 == 1 {
			m.Delete(key)
		}
		return true
	})

	assert.Equal(t, 1, m.Len())
	_, ok := m.Get("b")
	assert.True(t, ok)
}
