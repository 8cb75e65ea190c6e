// Package coord abstracts the coordination store that backs weft
// service discovery.
//
// The Store interface is the narrow contract the rest of the module
// needs: idempotent interior-path creation, ephemeral child nodes tied
// to the client session, point reads/writes, and a restartable child
// watch. Two implementations ship: ZooKeeper (production) and MemStore
// (tests and single-process development).
package coord

import (
	"context"

	"github.com/teranos/weft/errors"
)

// Sentinel errors returned by Store implementations. Callers classify
// with errors.Is; implementations wrap these with context.
var (
	// ErrNodeExists is returned by CreateEphemeral when the node is
	// already owned by a live session.
	ErrNodeExists = errors.New("coord: node already exists")

	// ErrNoNode is returned by SetData, GetData and Delete when the
	// target node does not exist.
	ErrNoNode = errors.New("coord: no such node")

	// ErrSessionLost is returned when the client session is expired or
	// the connection is closed. Ephemeral nodes owned by the session
	// are gone; the owner must re-register.
	ErrSessionLost = errors.New("coord: session lost")

	// ErrStopped is returned by all operations after Close.
	ErrStopped = errors.New("coord: store stopped")
)

// EventType classifies a change to one child of a watched path.
type EventType int

const (
	// ChildAdded reports a child not previously delivered on this
	// watch stream. After a reconnection the stream may re-deliver a
	// child it already announced; consumers treat that as an update.
	ChildAdded EventType = iota
	// ChildUpdated reports new payload bytes for a known child.
	ChildUpdated
	// ChildRemoved reports that a child is gone, either deleted
	// explicitly or dropped with its owner's session.
	ChildRemoved
)

func (t EventType) String() string {
	switch t {
	case ChildAdded:
		return "added"
	case ChildUpdated:
		return "updated"
	case ChildRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChildEvent is one element of a WatchChildren stream. Data is nil for
// ChildRemoved.
type ChildEvent struct {
	Type EventType
	Name string
	Data []byte
}

// Store is the coordination-store contract weft requires. All methods
// honor context cancellation; WatchChildren is the only long-lived
// subscription. Store implementations are safe for concurrent use.
type Store interface {
	// EnsurePath idempotently creates path and its missing parents as
	// persistent nodes.
	EnsurePath(ctx context.Context, path string) error

	// CreateEphemeral creates a node bound to the current session.
	// Fails with ErrNodeExists or ErrSessionLost.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// SetData unconditionally replaces a node's payload. Fails with
	// ErrNoNode or ErrSessionLost.
	SetData(ctx context.Context, path string, data []byte) error

	// Delete removes a node. Fails with ErrNoNode when absent; callers
	// that only want the node gone treat that as success.
	Delete(ctx context.Context, path string) error

	// GetData reads a node's payload. Fails with ErrNoNode.
	GetData(ctx context.Context, path string) ([]byte, error)

	// WatchChildren subscribes to the children of path. The stream
	// first delivers the current child set as ChildAdded events, then
	// incremental changes. After a session loss the stream keeps
	// running and delivers whatever events converge the consumer's
	// view to the live child set. The channel closes when ctx ends or
	// the store stops.
	WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error)

	// Close releases the client session. Ephemeral nodes owned by it
	// disappear. After Close, Stopped reports true and all operations
	// fail with ErrStopped.
	Close() error

	// Stopped reports whether Close has completed.
	Stopped() bool
}
