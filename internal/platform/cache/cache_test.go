package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_LoadsOnceThenHits(t *testing.T) {
	c := New(time.Minute)
	calls := 0
	load := func() (float64, error) {
		calls++
		return 1500, nil
	}

	v, err := Fetch(c, PriceKey("lab", "cbc"), load)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, v)

	v, err = Fetch(c, PriceKey("lab", "cbc"), load)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, v)
	assert.Equal(t, 1, calls)
}

func TestFetch_ErrorNotCached(t *testing.T) {
	c := New(time.Minute)
	_, err := Fetch(c, "k", func() (int, error) { return 0, errors.New("db down") })
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestFetch_NilCacheAlwaysLoads(t *testing.T) {
	calls := 0
	for i := 0; i < 2; i++ {
		_, err := Fetch[int](nil, "k", func() (int, error) { calls++; return 1, nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestDeletePrefix(t *testing.T) {
	c := New(time.Minute)
	c.Set(PriceKey("drug", "a"), 1.0)
	c.Set(PriceKey("drug", "b"), 2.0)
	c.Set(PriceKey("lab", "a"), 3.0)

	c.DeletePrefix("price:drug:")
	_, ok := c.Get(PriceKey("drug", "a"))
	assert.False(t, ok)
	_, ok = c.Get(PriceKey("lab", "a"))
	assert.True(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Set("k", 1)
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}
