package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/weft/coord"
	"github.com/teranos/weft/host"
)

// countingStore counts SetData calls on its way to the real store.
type countingStore struct {
	coord.Store
	mu     sync.Mutex
	writes int
}

func (c *countingStore) SetData(ctx context.Context, path string, data []byte) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Store.SetData(ctx, path, data)
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

const pubTestPath = "/weft/test"

func newTestPublisher(t *testing.T, store coord.Store, interval time.Duration) (*publisher, host.Host) {
	t.Helper()
	h := host.New("localhost", 7001)
	nodePath := pubTestPath + "/" + h.Key()

	ctx := context.Background()
	require.NoError(t, store.EnsurePath(ctx, pubTestPath))
	require.NoError(t, store.CreateEphemeral(ctx, nodePath, host.Encode(h)))

	return &publisher{
		store:       store,
		nodePath:    nodePath,
		identity:    h,
		queue:       NewLoadQueue(),
		interval:    interval,
		quarantined: new(atomic.Bool),
		lastLoad:    new(atomic.Int32),
		sessionLost: make(chan struct{}, 1),
		log:         zap.NewNop().Sugar(),
	}, h
}

func readLoad(t *testing.T, store coord.Store, nodePath string) host.Host {
	t.Helper()
	data, err := store.GetData(context.Background(), nodePath)
	require.NoError(t, err)
	h, err := host.Decode(data)
	require.NoError(t, err)
	return h
}

// A burst of samples inside one debounce window produces exactly one
// write carrying the last sample.
func TestPublisherDebounceCollapsesBurst(t *testing.T) {
	mem := coord.NewMemStore().Client()
	store := &countingStore{Store: mem}
	p, _ := newTestPublisher(t, store, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); p.run(ctx) }()

	for _, v := range []int32{5, 9, 3, 12} {
		p.queue.Put(v)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return store.writeCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(12), readLoad(t, store, p.nodePath).Metadata.Load)

	// Quiet afterwards: still exactly one write.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, store.writeCount())

	cancel()
	<-done
}

// Samples spaced wider than the window each get their own write.
func TestPublisherSeparatedSamplesEachPublish(t *testing.T) {
	mem := coord.NewMemStore().Client()
	store := &countingStore{Store: mem}
	p, _ := newTestPublisher(t, store, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	p.queue.Put(1)
	require.Eventually(t, func() bool { return store.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	p.queue.Put(2)
	require.Eventually(t, func() bool { return store.writeCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), readLoad(t, store, p.nodePath).Metadata.Load)
}

// While quarantined, the publisher writes nothing; the store keeps the
// pre-quarantine record.
func TestPublisherQuarantineSuppressesWrites(t *testing.T) {
	mem := coord.NewMemStore().Client()
	store := &countingStore{Store: mem}
	p, _ := newTestPublisher(t, store, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	p.queue.Put(4)
	require.Eventually(t, func() bool { return store.writeCount() == 1 }, time.Second, 5*time.Millisecond)

	p.quarantined.Store(true)
	p.queue.Put(99)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, store.writeCount())
	assert.Equal(t, int32(4), readLoad(t, store, p.nodePath).Metadata.Load)
}

// Load reflection: an assigned load is readable from the node within
// the update interval plus slack.
func TestPublisherLoadReflectedInStore(t *testing.T) {
	mem := coord.NewMemStore().Client()
	p, h := newTestPublisher(t, mem, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	p.queue.Put(77)

	require.Eventually(t, func() bool {
		got := readLoad(t, mem, p.nodePath)
		return got.Metadata.Load == 77 && got.Key() == h.Key()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(77), p.lastLoad.Load())
}

// A session-lost write failure is swallowed but pings the
// re-registration channel.
func TestPublisherSessionLossSignalled(t *testing.T) {
	mem := coord.NewMemStore().Client()
	p, _ := newTestPublisher(t, mem, 10*time.Millisecond)
	sessionLost := make(chan struct{}, 1)
	p.sessionLost = sessionLost
	p.store = sessionLostStore{}

	p.publish(context.Background(), 5)

	select {
	case <-sessionLost:
	default:
		t.Fatal("session loss was not signalled")
	}
}

type sessionLostStore struct{ coord.Store }

func (sessionLostStore) SetData(context.Context, string, []byte) error {
	return coord.ErrSessionLost
}
