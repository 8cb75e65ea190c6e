package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/weft/errors"
)

func collectEvent(t *testing.T, ch <-chan ChildEvent) ChildEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch stream closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return ChildEvent{}
	}
}

func TestMemStoreCreateSetDeleteWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemStore()
	server := store.Client()
	client := store.Client()

	require.NoError(t, server.EnsurePath(ctx, "/weft/services"))

	events, err := client.WatchChildren(ctx, "/weft/services")
	require.NoError(t, err)

	require.NoError(t, server.CreateEphemeral(ctx, "/weft/services/a:1", []byte("v1")))
	ev := collectEvent(t, events)
	assert.Equal(t, ChildAdded, ev.Type)
	assert.Equal(t, "a:1", ev.Name)
	assert.Equal(t, []byte("v1"), ev.Data)

	require.NoError(t, server.SetData(ctx, "/weft/services/a:1", []byte("v2")))
	ev = collectEvent(t, events)
	assert.Equal(t, ChildUpdated, ev.Type)
	assert.Equal(t, []byte("v2"), ev.Data)

	data, err := client.GetData(ctx, "/weft/services/a:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, server.Delete(ctx, "/weft/services/a:1"))
	ev = collectEvent(t, events)
	assert.Equal(t, ChildRemoved, ev.Type)
	assert.Equal(t, "a:1", ev.Name)
}

func TestMemStoreWatchSeedsExistingChildren(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemStore()
	server := store.Client()
	require.NoError(t, server.EnsurePath(ctx, "/d"))
	require.NoError(t, server.CreateEphemeral(ctx, "/d/x:1", []byte("x")))

	events, err := store.Client().WatchChildren(ctx, "/d")
	require.NoError(t, err)
	ev := collectEvent(t, events)
	assert.Equal(t, ChildAdded, ev.Type)
	assert.Equal(t, "x:1", ev.Name)
}

func TestMemStoreEphemeralsDropWithSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemStore()
	owner := store.Client()
	watcherClient := store.Client()

	require.NoError(t, owner.EnsurePath(ctx, "/d"))
	events, err := watcherClient.WatchChildren(ctx, "/d")
	require.NoError(t, err)

	require.NoError(t, owner.CreateEphemeral(ctx, "/d/h:1", []byte("h")))
	assert.Equal(t, ChildAdded, collectEvent(t, events).Type)

	owner.ExpireSession()
	ev := collectEvent(t, events)
	assert.Equal(t, ChildRemoved, ev.Type)
	assert.Equal(t, "h:1", ev.Name)

	// A fresh session can re-register the same node.
	require.NoError(t, owner.CreateEphemeral(ctx, "/d/h:1", []byte("h")))
	assert.Equal(t, ChildAdded, collectEvent(t, events).Type)
}

func TestMemStoreDuplicateRegistration(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	a := store.Client()
	b := store.Client()

	require.NoError(t, a.EnsurePath(ctx, "/d"))
	require.NoError(t, a.CreateEphemeral(ctx, "/d/h:1", nil))

	err := b.CreateEphemeral(ctx, "/d/h:1", nil)
	assert.True(t, errors.Is(err, ErrNodeExists))
}

func TestMemStoreStopped(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	c := store.Client()
	require.NoError(t, c.EnsurePath(ctx, "/d"))
	require.NoError(t, c.CreateEphemeral(ctx, "/d/h:1", nil))

	require.NoError(t, c.Close())
	assert.True(t, c.Stopped())

	err := c.SetData(ctx, "/d/h:1", nil)
	assert.True(t, errors.Is(err, ErrStopped))

	// Node is gone on the ensemble side too.
	other := store.Client()
	_, err = other.GetData(ctx, "/d/h:1")
	assert.True(t, errors.Is(err, ErrNoNode))
}

func TestMemStoreMissingNodeErrors(t *testing.T) {
	ctx := context.Background()
	c := NewMemStore().Client()

	assert.True(t, errors.Is(c.SetData(ctx, "/nope", nil), ErrNoNode))
	assert.True(t, errors.Is(c.Delete(ctx, "/nope"), ErrNoNode))
	_, err := c.GetData(ctx, "/nope")
	assert.True(t, errors.Is(err, ErrNoNode))
}
