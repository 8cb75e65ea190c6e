package coord

import (
	"context"
	"path"
	"strings"
	"sync"
)

// MemStore is an in-process coordination store with real session
// semantics: ephemeral nodes are owned by the client handle that
// created them and vanish when that handle closes or its session is
// expired. It backs tests and zookeeper-less single-process setups.
//
// One MemStore models the ensemble; each participant takes its own
// client handle via Client().
type MemStore struct {
	mu          sync.Mutex
	nodes       map[string]*memNode
	watchers    map[string][]*memWatcher
	nextSession int64
}

type memNode struct {
	data  []byte
	owner int64 // 0 for persistent nodes
}

// NewMemStore creates an empty in-process ensemble.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:    make(map[string]*memNode),
		watchers: make(map[string][]*memWatcher),
	}
}

// Client opens a new session against the ensemble.
func (s *MemStore) Client() *MemClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return &MemClient{store: s, session: s.nextSession}
}

// notify queues an event for every watcher of parent. Caller holds s.mu.
func (s *MemStore) notify(parent string, ev ChildEvent) {
	for _, w := range s.watchers[parent] {
		w.enqueue(ev)
	}
}

// dropSession removes every ephemeral owned by session and notifies
// watchers. Caller holds s.mu.
func (s *MemStore) dropSession(session int64) {
	for p, n := range s.nodes {
		if n.owner == session {
			delete(s.nodes, p)
			s.notify(path.Dir(p), ChildEvent{Type: ChildRemoved, Name: path.Base(p)})
		}
	}
}

func (s *MemStore) removeWatcher(w *memWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.watchers[w.parent]
	for i, cand := range list {
		if cand == w {
			s.watchers[w.parent] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// memWatcher buffers events for one WatchChildren subscription so that
// store mutations never block on a slow consumer.
type memWatcher struct {
	parent  string
	out     chan ChildEvent
	mu      sync.Mutex
	pending []ChildEvent
	signal  chan struct{}
}

func (w *memWatcher) enqueue(ev ChildEvent) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memWatcher) run(ctx context.Context, remove func()) {
	defer func() {
		remove()
		close(w.out)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}
		for {
			w.mu.Lock()
			if len(w.pending) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()

			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// MemClient is one session against a MemStore. It implements Store.
type MemClient struct {
	store   *MemStore
	mu      sync.Mutex
	session int64
	stopped bool
}

var _ Store = (*MemClient)(nil)

func (c *MemClient) currentSession() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return 0, ErrStopped
	}
	return c.session, nil
}

// EnsurePath creates path and missing parents as persistent nodes.
func (c *MemClient) EnsurePath(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.currentSession(); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	prefix := ""
	for _, seg := range splitPath(p) {
		prefix += "/" + seg
		if _, ok := c.store.nodes[prefix]; !ok {
			c.store.nodes[prefix] = &memNode{}
		}
	}
	return nil
}

// CreateEphemeral creates a session-owned node.
func (c *MemClient) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := c.currentSession()
	if err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, ok := c.store.nodes[p]; ok {
		return ErrNodeExists
	}
	c.store.nodes[p] = &memNode{data: append([]byte(nil), data...), owner: session}
	c.store.notify(path.Dir(p), ChildEvent{Type: ChildAdded, Name: path.Base(p), Data: append([]byte(nil), data...)})
	return nil
}

// SetData replaces a node's payload.
func (c *MemClient) SetData(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.currentSession(); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	n, ok := c.store.nodes[p]
	if !ok {
		return ErrNoNode
	}
	n.data = append([]byte(nil), data...)
	c.store.notify(path.Dir(p), ChildEvent{Type: ChildUpdated, Name: path.Base(p), Data: append([]byte(nil), data...)})
	return nil
}

// Delete removes a node.
func (c *MemClient) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.currentSession(); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, ok := c.store.nodes[p]; !ok {
		return ErrNoNode
	}
	delete(c.store.nodes, p)
	c.store.notify(path.Dir(p), ChildEvent{Type: ChildRemoved, Name: path.Base(p)})
	return nil
}

// GetData reads a node's payload.
func (c *MemClient) GetData(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := c.currentSession(); err != nil {
		return nil, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	n, ok := c.store.nodes[p]
	if !ok {
		return nil, ErrNoNode
	}
	return append([]byte(nil), n.data...), nil
}

// WatchChildren subscribes to the children of p, seeding the stream
// with the current child set. The stream closes when ctx ends; Close
// on this client does not close it.
func (c *MemClient) WatchChildren(ctx context.Context, p string) (<-chan ChildEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := c.currentSession(); err != nil {
		return nil, err
	}

	w := &memWatcher{
		parent: p,
		out:    make(chan ChildEvent),
		signal: make(chan struct{}, 1),
	}

	c.store.mu.Lock()
	for nodePath, n := range c.store.nodes {
		if path.Dir(nodePath) == p && nodePath != p {
			w.enqueue(ChildEvent{Type: ChildAdded, Name: path.Base(nodePath), Data: append([]byte(nil), n.data...)})
		}
	}
	c.store.watchers[p] = append(c.store.watchers[p], w)
	c.store.mu.Unlock()

	go w.run(ctx, func() { c.store.removeWatcher(w) })
	return w.out, nil
}

// ExpireSession simulates a server-side session expiry: every
// ephemeral owned by this client vanishes (watchers see removals) and
// the client continues on a fresh session, as a reconnecting ZooKeeper
// client would.
func (c *MemClient) ExpireSession() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	old := c.session
	c.mu.Unlock()

	c.store.mu.Lock()
	c.store.dropSession(old)
	c.store.nextSession++
	fresh := c.store.nextSession
	c.store.mu.Unlock()

	c.mu.Lock()
	c.session = fresh
	c.mu.Unlock()
}

// Close ends the session; ephemerals owned by it disappear.
func (c *MemClient) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	session := c.session
	c.mu.Unlock()

	c.store.mu.Lock()
	c.store.dropSession(session)
	c.store.mu.Unlock()
	return nil
}

// Stopped reports whether Close has completed.
func (c *MemClient) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func splitPath(p string) []string {
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}
