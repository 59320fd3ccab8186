package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitValue(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value event")
		return nil
	}
}

type childEvent struct {
	key   string
	value any
}

func waitChild(t *testing.T, ch <-chan childEvent) childEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for child event")
		return childEvent{}
	}
}

func TestMemoryStoreWriteRead(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	err := s.Write(ctx, "rooms/r1", map[string]any{"id": "r1", "max_occupancy": 4})
	require.NoError(t, err)

	got, err := s.Read(ctx, "rooms/r1")
	require.NoError(t, err)

	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "r1", m["id"])
	assert.Equal(t, float64(4), m["max_occupancy"])
}

func TestMemoryStoreReadMissingPath(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	got, err := s.Read(context.Background(), "rooms/nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreUpdateMergesFields(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/r1/playback", map[string]any{
		"video_ref":  "vid-a",
		"is_playing": false,
	}))
	require.NoError(t, s.Update(ctx, "rooms/r1/playback", map[string]any{
		"is_playing":       true,
		"position_seconds": 12.5,
	}))

	got, err := s.Read(ctx, "rooms/r1/playback")
	require.NoError(t, err)

	m := got.(map[string]any)
	assert.Equal(t, "vid-a", m["video_ref"])
	assert.Equal(t, true, m["is_playing"])
	assert.Equal(t, 12.5, m["position_seconds"])
}

func TestMemoryStoreAppendPreservesOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var keys []string
	for _, body := range []string{"first", "second", "third"} {
		key, err := s.Append(ctx, "rooms/r1/messages", map[string]any{"body": body})
		require.NoError(t, err)
		require.NotEmpty(t, key)
		keys = append(keys, key)
	}
	assert.Len(t, keys, 3)

	ch := make(chan childEvent, 8)
	sub, err := s.OnChildAdded("rooms/r1/messages", func(key string, value any) {
		ch <- childEvent{key: key, value: value}
	})
	require.NoError(t, err)
	defer sub.Cancel()

	for i, body := range []string{"first", "second", "third"} {
		ev := waitChild(t, ch)
		assert.Equal(t, keys[i], ev.key)
		assert.Equal(t, body, ev.value.(map[string]any)["body"])
	}
}

func TestMemoryStoreRemoveSubtree(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/r1/users/u1", map[string]any{"user_id": "u1"}))
	require.NoError(t, s.Remove(ctx, "rooms/r1"))

	got, err := s.Read(ctx, "rooms/r1/users/u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreOnValueInitialThenChanges(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/r1", map[string]any{"id": "r1"}))

	ch := make(chan any, 8)
	sub, err := s.OnValue("rooms/r1", func(value any) { ch <- value })
	require.NoError(t, err)
	defer sub.Cancel()

	initial := waitValue(t, ch)
	require.NotNil(t, initial)
	assert.Equal(t, "r1", initial.(map[string]any)["id"])

	// A write below the path fires the listener with the new snapshot.
	require.NoError(t, s.Write(ctx, "rooms/r1/users/u1", map[string]any{"user_id": "u1"}))
	next := waitValue(t, ch)
	require.NotNil(t, next)
	users := next.(map[string]any)["users"].(map[string]any)
	assert.Contains(t, users, "u1")
}

func TestMemoryStoreOnValueNilAfterRemove(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/r1", map[string]any{"id": "r1"}))

	ch := make(chan any, 8)
	sub, err := s.OnValue("rooms/r1", func(value any) { ch <- value })
	require.NoError(t, err)
	defer sub.Cancel()

	require.NotNil(t, waitValue(t, ch))

	require.NoError(t, s.Remove(ctx, "rooms/r1"))
	assert.Nil(t, waitValue(t, ch))
}

func TestMemoryStoreOnValueMissingPathDeliversNil(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ch := make(chan any, 8)
	sub, err := s.OnValue("rooms/nope", func(value any) { ch <- value })
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Nil(t, waitValue(t, ch))
}

func TestMemoryStoreOnChildAddedExistingThenNew(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/r1/users/u1", map[string]any{"user_id": "u1"}))
	require.NoError(t, s.Write(ctx, "rooms/r1/users/u2", map[string]any{"user_id": "u2"}))

	ch := make(chan childEvent, 8)
	sub, err := s.OnChildAdded("rooms/r1/users", func(key string, value any) {
		ch <- childEvent{key: key, value: value}
	})
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, "u1", waitChild(t, ch).key)
	assert.Equal(t, "u2", waitChild(t, ch).key)

	require.NoError(t, s.Write(ctx, "rooms/r1/users/u3", map[string]any{"user_id": "u3"}))
	assert.Equal(t, "u3", waitChild(t, ch).key)
}

func TestMemoryStoreCancelStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	ch := make(chan any, 8)
	sub, err := s.OnValue("rooms/r1", func(value any) { ch <- value })
	require.NoError(t, err)

	waitValue(t, ch)
	sub.Cancel()

	require.NoError(t, s.Write(ctx, "rooms/r1", map[string]any{"id": "r1"}))

	select {
	case v := <-ch:
		t.Fatalf("event after cancel: %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryStoreCancelFromInsideCallback(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var sub Subscription
	ch := make(chan any, 8)
	done := make(chan struct{})

	sub, err := s.OnValue("rooms/r1", func(value any) {
		if value != nil {
			sub.Cancel()
			close(done)
			return
		}
		ch <- value
	})
	require.NoError(t, err)

	waitValue(t, ch)
	require.NoError(t, s.Write(ctx, "rooms/r1", map[string]any{"id": "r1"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	require.NoError(t, s.Write(ctx, "rooms/r1", map[string]any{"id": "changed"}))
	select {
	case v := <-ch:
		t.Fatalf("event after self-cancel: %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryStoreWriteNilRemoves(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/r1", map[string]any{"id": "r1"}))
	require.NoError(t, s.Write(ctx, "rooms/r1", nil))

	got, err := s.Read(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreReentrantCallbackBurst(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	// Each burst write fans an event out to this watcher while the
	// dispatcher is still stuck inside the trigger callback, so the
	// backlog grows unchecked until the callback returns.
	watcher, err := s.OnValue("burst", func(any) {})
	require.NoError(t, err)
	defer watcher.Cancel()

	const burst = 2048

	done := make(chan struct{})
	var once sync.Once
	trigger, err := s.OnValue("trigger", func(value any) {
		if value == nil {
			return
		}
		once.Do(func() {
			defer close(done)
			for i := 0; i < burst; i++ {
				if err := s.Write(ctx, fmt.Sprintf("burst/%d", i), i); err != nil {
					t.Errorf("write %d: %v", i, err)
					return
				}
			}
		})
	})
	require.NoError(t, err)
	defer trigger.Cancel()

	require.NoError(t, s.Write(ctx, "trigger", "go"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("re-entrant writes deadlocked the store")
	}

	got, err := s.Read(ctx, fmt.Sprintf("burst/%d", burst-1))
	require.NoError(t, err)
	assert.Equal(t, float64(burst-1), got)
}

func TestDecode(t *testing.T) {
	var out struct {
		UserID   string `json:"user_id"`
		Approved bool   `json:"approved"`
	}
	err := Decode(map[string]any{"user_id": "u1", "approved": true}, &out)
	require.NoError(t, err)
	assert.Equal(t, "u1", out.UserID)
	assert.True(t, out.Approved)
}
