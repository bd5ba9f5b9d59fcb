package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SetGetDelete(t *testing.T) {
	h := NewHub[string, int]()

	_, ok := h.Get("a")
	assert.False(t, ok)

	h.Set("a", 1)
	v, ok := h.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	h.Delete("a")
	_, ok = h.Get("a")
	assert.False(t, ok)
}

func TestHub_ChangedIsClosedOnWrite(t *testing.T) {
	h := NewHub[string, int]()
	ch := h.Changed()

	select {
	case <-ch:
		t.Fatal("closed before any write")
	default:
	}

	h.Set("a", 1)
	select {
	case <-ch:
	default:
		t.Fatal("not closed after write")
	}
	assert.NotEqual(t, ch, h.Changed())
}

func TestHub_ConcurrentUpdatesAreNotLost(t *testing.T) {
	h := NewHub[string, int]()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Update("n", func(cur int, _ bool) (int, bool) { return cur + 1, true })
		}()
	}
	wg.Wait()

	v, _ := h.Get("n")
	assert.Equal(t, 100, v)
}

func TestHub_Listeners(t *testing.T) {
	h := NewHub[string, string]()

	type event struct {
		key, value string
		deleted    bool
	}
	var events []event
	h.OnChange(func(k, v string, deleted bool) {
		events = append(events, event{k, v, deleted})
	})

	h.Set("acc/1", "loading")
	h.Set("acc/2", "ok")
	h.DeleteFunc(func(k string) bool { return k == "acc/1" })
	h.Delete("missing")

	assert.Equal(t, []event{
		{"acc/1", "loading", false},
		{"acc/2", "ok", false},
		{"acc/1", "loading", true},
	}, events)
}
