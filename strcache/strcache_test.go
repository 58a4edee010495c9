package strcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyStringIsHashZero(t *testing.T) {
	c := New()
	b, ok := c.Get(0)
	require.True(t, ok)
	assert.Empty(t, b)
	assert.EqualValues(t, 0, Hash(nil))
}

func TestAddIsIdempotent(t *testing.T) {
	c := New()
	h1 := c.AddString("main.go")
	h2 := c.AddString("main.go")
	assert.Equal(t, h1, h2)
	assert.Equal(t, 2, c.Len()) // empty string + "main.go"
}

func TestGetMissing(t *testing.T) {
	c := New()
	_, ok := c.Get(12345)
	assert.False(t, ok)
}

func TestConcurrentAdd(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.AddString("shared-value")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 2, c.Len())
}
