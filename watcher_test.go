package zkfarmer

import (
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueOrdering(t *testing.T) {
	q := newEventQueue()
	q.put(priorityNormal, event{name: "first"})
	q.put(priorityNormal, event{name: "second"})
	q.put(priorityUrgent, event{name: "urgent"})

	var names []string
	for i := 0; i < 3; i++ {
		item, ok := q.get(time.Second)
		require.True(t, ok)
		names = append(names, item.name)
	}
	assert.Equal(t, []string{"urgent", "first", "second"}, names)
}

func TestEventQueueTimeout(t *testing.T) {
	q := newEventQueue()
	start := time.Now()
	_, ok := q.get(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEventQueueRequeueKeepsOrder(t *testing.T) {
	q := newEventQueue()
	q.put(priorityNormal, event{name: "first"})
	item, ok := q.get(time.Second)
	require.True(t, ok)
	q.put(priorityNormal, event{name: "second"})
	q.requeue(item)

	next, ok := q.get(time.Second)
	require.True(t, ok)
	assert.Equal(t, "first", next.name)
}

var testTable = map[string][]transition{
	"go": {{"initial", "done"}},
	"ping": {{"initial", "initial"},
		{"done", "done"}},
}

func TestWatcherTransition(t *testing.T) {
	w := newWatcher(nil, testTable)
	executed := false
	w.handle("go", "", func(string) (bool, error) {
		executed = true
		return false, nil
	})
	w.event("go")

	require.NoError(t, w.Loop(1, testTimeout, false))
	assert.True(t, executed)
	assert.Equal(t, "done", w.State())
}

func TestWatcherUnknownTransitionStrict(t *testing.T) {
	w := newWatcher(nil, testTable)
	w.event("go")
	w.event("go") // no transition from "done"

	err := w.Loop(2, testTimeout, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transition")
}

func TestWatcherUnknownTransitionLenient(t *testing.T) {
	w := newWatcher(nil, testTable)
	w.event("go")
	w.event("go")
	w.event("ping")

	pinged := false
	w.handle("ping", "", func(string) (bool, error) {
		pinged = true
		return false, nil
	})
	require.NoError(t, w.Loop(3, testTimeout, true))
	assert.True(t, pinged)
}

func TestWatcherHandlerResolution(t *testing.T) {
	w := newWatcher(nil, testTable)
	var called []string
	w.handle("ping", "", func(string) (bool, error) {
		called = append(called, "fallback")
		return false, nil
	})
	w.handle("ping", "initial", func(string) (bool, error) {
		called = append(called, "specific")
		return false, nil
	})
	w.handle("go", "", func(string) (bool, error) {
		called = append(called, "go")
		return false, nil
	})

	w.event("ping") // from initial: specific handler
	w.event("go")
	w.event("ping") // from done: fallback handler

	require.NoError(t, w.Loop(3, testTimeout, false))
	assert.Equal(t, []string{"specific", "go", "fallback"}, called)
}

func TestWatcherStaySentinel(t *testing.T) {
	w := newWatcher(nil, testTable)
	w.handle("go", "", func(string) (bool, error) {
		return true, nil
	})
	w.event("go")

	require.NoError(t, w.Loop(1, testTimeout, false))
	assert.Equal(t, initialState, w.State())
}

func TestWatcherRescheduleOnError(t *testing.T) {
	w := newWatcher(nil, testTable)
	attempts := 0
	w.handle("go", "", func(string) (bool, error) {
		attempts++
		if attempts == 1 {
			return false, zk.ErrConnectionClosed
		}
		return false, nil
	})
	w.event("go")

	require.NoError(t, w.Loop(2, testTimeout, false))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "done", w.State())
}

func TestWatcherEventArg(t *testing.T) {
	w := newWatcher(nil, testTable)
	var got string
	w.handle("ping", "", func(arg string) (bool, error) {
		got = arg
		return false, nil
	})
	w.event("ping", "/some/path")

	require.NoError(t, w.Loop(1, testTimeout, false))
	assert.Equal(t, "/some/path", got)
}

func TestWatcherSessionEvents(t *testing.T) {
	fake := newFakeZk()
	w := newWatcher(fake, map[string][]transition{
		"connection lost":      {{"initial", "lost"}},
		"connection recovered": {{"lost", "initial"}},
	})

	fake.expire()
	require.NoError(t, w.Loop(2, testTimeout, false))
	assert.Equal(t, initialState, w.State())
}
