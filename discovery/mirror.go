// Package discovery maintains the client-side view of a weft
// registration directory.
//
// A Mirror consumes the store's child-watch stream and keeps an
// in-memory host set consistent with it. Every applied event produces
// a new immutable Snapshot; subscribers (the channel resolver) are
// nudged with the latest snapshot and slow subscribers only ever miss
// intermediate states, never the newest one.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/teranos/weft/coord"
	"github.com/teranos/weft/host"
)

// Snapshot is one immutable materialization of the live host set.
// Hosts is ordered by node name so consumers get deterministic output.
type Snapshot struct {
	Version uint64
	Hosts   []host.Host
}

// Mirror tracks the children of one discovery path.
type Mirror struct {
	store coord.Store
	path  string
	log   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	hosts       map[string]host.Host
	snap        Snapshot
	subscribers []chan Snapshot
}

// NewMirror creates a mirror of the children of path. Call Start to
// begin consuming watch events.
func NewMirror(store coord.Store, path string, log *zap.SugaredLogger) *Mirror {
	return &Mirror{
		store: store,
		path:  path,
		log:   log,
		hosts: make(map[string]host.Host),
	}
}

// Start subscribes to the watch stream and launches the consumer.
func (m *Mirror) Start(ctx context.Context) error {
	mirrorCtx, cancel := context.WithCancel(ctx)
	events, err := m.store.WatchChildren(mirrorCtx, m.path)
	if err != nil {
		cancel()
		return err
	}
	m.ctx = mirrorCtx
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(events)
	m.log.Debugw("membership mirror started", "path", m.path)
	return nil
}

// Stop cancels the consumer and waits for it to exit. The final
// snapshot is cleared so pickers report no ready endpoint immediately.
func (m *Mirror) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.hosts = make(map[string]host.Host)
	m.snap = Snapshot{Version: m.snap.Version + 1}
	m.mu.Unlock()
	m.notify()
	m.log.Debugw("membership mirror stopped", "path", m.path)
}

// Snapshot returns the latest materialized host set. The returned
// value is immutable; callers must not modify Hosts.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe returns a channel that carries the latest snapshot after
// each membership change. The channel has capacity one and is
// overwritten rather than blocked on, so a subscriber always finds the
// newest state when it gets around to reading.
func (m *Mirror) Subscribe() chan Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Snapshot, 1)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed;
// the caller owns its lifecycle.
func (m *Mirror) Unsubscribe(ch chan Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// run consumes watch events until the mirror stops. If the stream ends
// early (store hiccup), it resubscribes with backoff; the store's
// replay plus our keyed application makes that idempotent.
func (m *Mirror) run(events <-chan coord.ChildEvent) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		for ev := range events {
			m.apply(ev)
			bo.Reset()
		}
		if m.ctx.Err() != nil || m.store.Stopped() {
			return
		}

		wait := bo.NextBackOff()
		m.log.Warnw("watch stream ended, resubscribing",
			"path", m.path,
			"backoff", wait)
		select {
		case <-time.After(wait):
		case <-m.ctx.Done():
			return
		}

		next, err := m.store.WatchChildren(m.ctx, m.path)
		if err != nil {
			m.log.Warnw("resubscribe failed", "path", m.path, "error", err)
			events = closedEvents
			continue
		}
		events = next
	}
}

// closedEvents feeds the retry loop when a resubscribe attempt fails.
var closedEvents = func() <-chan coord.ChildEvent {
	ch := make(chan coord.ChildEvent)
	close(ch)
	return ch
}()

// apply folds one watch event into the host set and publishes the new
// snapshot.
func (m *Mirror) apply(ev coord.ChildEvent) {
	m.mu.Lock()
	switch ev.Type {
	case coord.ChildAdded, coord.ChildUpdated:
		h, err := host.Decode(ev.Data)
		if err != nil {
			// A node we cannot parse is absent until a later event
			// supplies valid bytes.
			delete(m.hosts, ev.Name)
			m.mu.Unlock()
			m.log.Warnw("dropping undecodable registration",
				"path", m.path,
				"node", ev.Name,
				"error", err)
			m.publish()
			return
		}
		m.hosts[ev.Name] = h
	case coord.ChildRemoved:
		delete(m.hosts, ev.Name)
	}
	m.mu.Unlock()
	m.publish()
}

// publish rebuilds the snapshot from the host map and notifies
// subscribers.
func (m *Mirror) publish() {
	m.mu.Lock()
	hosts := make([]host.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	sortHosts(hosts)
	m.snap = Snapshot{Version: m.snap.Version + 1, Hosts: hosts}
	m.mu.Unlock()
	m.notify()
}

func (m *Mirror) notify() {
	m.mu.RLock()
	snap := m.snap
	subs := make([]chan Snapshot, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()

	for _, ch := range subs {
		// Latest-wins: displace a stale pending snapshot rather than
		// block on a slow subscriber.
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func sortHosts(hosts []host.Host) {
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Key() < hosts[j].Key() })
}
