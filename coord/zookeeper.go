package coord

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/teranos/weft/errors"
)

// ZooKeeper implements Store over a live ZooKeeper ensemble using
// github.com/go-zookeeper/zk.
type ZooKeeper struct {
	conn *zk.Conn
	log  *zap.SugaredLogger

	mu      sync.Mutex
	stopped bool
}

var _ Store = (*ZooKeeper)(nil)

// NewZooKeeper connects to the ensemble. sessionTimeout bounds how long
// the ensemble keeps this client's ephemerals alive across a
// disconnect.
func NewZooKeeper(servers []string, sessionTimeout time.Duration, log *zap.SugaredLogger) (*ZooKeeper, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to zookeeper at %s", strings.Join(servers, ","))
	}

	z := &ZooKeeper{conn: conn, log: log}

	// Drain session events so the library never blocks; surface state
	// transitions in the log.
	go func() {
		for ev := range events {
			switch ev.State {
			case zk.StateExpired:
				log.Warnw("zookeeper session expired", "server", ev.Server)
			case zk.StateHasSession:
				log.Debugw("zookeeper session established", "server", ev.Server)
			case zk.StateDisconnected:
				log.Debugw("zookeeper disconnected", "server", ev.Server)
			}
		}
	}()

	return z, nil
}

// mapZKErr translates library errors into the package sentinels.
func mapZKErr(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return errors.Wrapf(ErrNoNode, "%s", path)
	case errors.Is(err, zk.ErrNodeExists):
		return errors.Wrapf(ErrNodeExists, "%s", path)
	case errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrClosing):
		return errors.Wrapf(ErrSessionLost, "%s: %v", path, err)
	default:
		return errors.Wrapf(err, "zookeeper operation on %s", path)
	}
}

func (z *ZooKeeper) checkRunning(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if z.Stopped() {
		return ErrStopped
	}
	return nil
}

// EnsurePath creates path and its missing parents as persistent nodes.
func (z *ZooKeeper) EnsurePath(ctx context.Context, path string) error {
	if err := z.checkRunning(ctx); err != nil {
		return err
	}
	prefix := ""
	for _, seg := range splitPath(path) {
		prefix += "/" + seg
		_, err := z.conn.Create(prefix, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return mapZKErr(err, prefix)
		}
	}
	return nil
}

// CreateEphemeral creates a node tied to the current session.
func (z *ZooKeeper) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	if err := z.checkRunning(ctx); err != nil {
		return err
	}
	_, err := z.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	return mapZKErr(err, path)
}

// SetData unconditionally replaces a node's payload.
func (z *ZooKeeper) SetData(ctx context.Context, path string, data []byte) error {
	if err := z.checkRunning(ctx); err != nil {
		return err
	}
	_, err := z.conn.Set(path, data, -1)
	return mapZKErr(err, path)
}

// Delete removes a node regardless of version.
func (z *ZooKeeper) Delete(ctx context.Context, path string) error {
	if err := z.checkRunning(ctx); err != nil {
		return err
	}
	return mapZKErr(z.conn.Delete(path, -1), path)
}

// GetData reads a node's payload.
func (z *ZooKeeper) GetData(ctx context.Context, path string) ([]byte, error) {
	if err := z.checkRunning(ctx); err != nil {
		return nil, err
	}
	data, _, err := z.conn.Get(path)
	if err != nil {
		return nil, mapZKErr(err, path)
	}
	return data, nil
}

// WatchChildren watches path with a child watch on the parent and a
// data watch per child. Any trigger re-lists the directory; the loop
// diffs against what it already delivered, so consumers see exact
// Added/Updated/Removed transitions even across session loss, when the
// re-list acts as the full replay.
func (z *ZooKeeper) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	if err := z.checkRunning(ctx); err != nil {
		return nil, err
	}
	out := make(chan ChildEvent, 64)
	go z.watchLoop(ctx, path, out)
	return out, nil
}

func (z *ZooKeeper) watchLoop(ctx context.Context, path string, out chan<- ChildEvent) {
	defer close(out)

	known := make(map[string][]byte)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the watch outlives transient outages

	send := func(ev ChildEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if ctx.Err() != nil || z.Stopped() {
			return
		}

		children, _, childCh, err := z.conn.ChildrenW(path)
		if err != nil {
			if z.Stopped() {
				return
			}
			wait := bo.NextBackOff()
			z.log.Warnw("child watch failed, retrying",
				"path", path,
				"error", err,
				"backoff", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()

		// Read every child and arm a data watch on it. A child deleted
		// between the list and the read is skipped; the pending child
		// watch reports it.
		refresh := make(chan struct{}, 1)
		roundDone := make(chan struct{})
		live := make(map[string][]byte, len(children))
		for _, name := range children {
			childPath := path + "/" + name
			data, _, dataCh, err := z.conn.GetW(childPath)
			if err != nil {
				continue
			}
			live[name] = data
			go func(ch <-chan zk.Event) {
				select {
				case <-ch:
					select {
					case refresh <- struct{}{}:
					default:
					}
				case <-roundDone:
				}
			}(dataCh)
		}

		ok := true
		for name, data := range live {
			prev, seen := known[name]
			switch {
			case !seen:
				ok = send(ChildEvent{Type: ChildAdded, Name: name, Data: data})
			case !bytes.Equal(prev, data):
				ok = send(ChildEvent{Type: ChildUpdated, Name: name, Data: data})
			}
			if !ok {
				close(roundDone)
				return
			}
		}
		for name := range known {
			if _, still := live[name]; !still {
				if !send(ChildEvent{Type: ChildRemoved, Name: name}) {
					close(roundDone)
					return
				}
			}
		}
		known = live

		select {
		case <-ctx.Done():
			close(roundDone)
			return
		case <-childCh:
		case <-refresh:
		}
		close(roundDone)
	}
}

// Close tears down the client session; ephemerals owned by it vanish
// on the ensemble.
func (z *ZooKeeper) Close() error {
	z.mu.Lock()
	if z.stopped {
		z.mu.Unlock()
		return nil
	}
	z.stopped = true
	z.mu.Unlock()
	z.conn.Close()
	return nil
}

// Stopped reports whether Close has completed.
func (z *ZooKeeper) Stopped() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.stopped
}
