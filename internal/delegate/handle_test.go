package delegate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_SetAndCurrent(t *testing.T) {
	h := NewHandle[string]()

	_, ok := h.Current()
	assert.False(t, ok)
	assert.False(t, h.Harden(), "nothing to harden yet")

	h.SetDelegate("master-1")
	value, ok := h.Current()
	assert.True(t, ok)
	assert.Equal(t, "master-1", value, "a delegate is current before it is hardened")
}

func TestHandle_GetBlocksUntilHardened(t *testing.T) {
	h := NewHandle[int]()

	got := make(chan int, 1)
	go func() {
		value, err := h.Get(context.Background())
		if err == nil {
			got <- value
		}
	}()

	h.SetDelegate(42)
	select {
	case <-got:
		t.Fatal("Get returned before the delegate was hardened")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, h.Harden())
	select {
	case value := <-got:
		assert.Equal(t, 42, value)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Harden")
	}
}

func TestHandle_GetHonorsContext(t *testing.T) {
	h := NewHandle[int]()
	h.SetDelegate(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandle_SetSupersedesHardened(t *testing.T) {
	h := NewHandle[string]()

	h.SetDelegate("old")
	require.True(t, h.Harden())
	value, err := h.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old", value)

	h.SetDelegate("new")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a new delegate has to be hardened again")

	require.True(t, h.Harden())
	require.True(t, h.Harden(), "hardening twice is fine")
	value, err = h.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", value)
}

func TestHandle_Clear(t *testing.T) {
	h := NewHandle[string]()
	h.SetDelegate("a")
	require.True(t, h.Harden())
	h.Clear()

	_, ok := h.Current()
	assert.False(t, ok)
	assert.False(t, h.Harden())

	got := make(chan string, 1)
	go func() {
		value, err := h.Get(context.Background())
		if err == nil {
			got <- value
		}
	}()

	h.SetDelegate("b")
	h.Clear()
	h.SetDelegate("c")
	require.True(t, h.Harden())

	select {
	case value := <-got:
		assert.Equal(t, "c", value)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after the next Harden")
	}
}
