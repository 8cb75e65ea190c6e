// Package balance implements weft's load-aware gRPC routing policy.
//
// It contributes two pieces to a client channel: a resolver that
// bridges a discovery.Mirror into gRPC's address list, and the
// "weft_least_load" balancer whose picker sends each RPC to the
// least-loaded non-quarantined endpoint, round-robin among ties.
//
// Load and quarantine state ride in a mutable Endpoint cell attached
// to each address as an attribute. The resolver reuses the same cell
// for the lifetime of an endpoint, so metadata updates never look like
// address changes and established connections survive them.
package balance

import (
	"sync/atomic"

	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"
)

// Endpoint is the live routing metadata for one registered host. The
// resolver writes it, pickers read it on every RPC.
type Endpoint struct {
	key         string
	load        atomic.Int32
	quarantined atomic.Bool
}

// NewEndpoint creates a metadata cell for the host keyed
// "address:port".
func NewEndpoint(key string) *Endpoint {
	return &Endpoint{key: key}
}

// Key returns the host key this cell belongs to.
func (e *Endpoint) Key() string { return e.key }

// Load returns the latest observed load sample.
func (e *Endpoint) Load() int32 { return e.load.Load() }

// SetLoad records a new load observation.
func (e *Endpoint) SetLoad(v int32) { e.load.Store(v) }

// Quarantined reports whether the host is advertising quarantine.
func (e *Endpoint) Quarantined() bool { return e.quarantined.Load() }

// SetQuarantined records the advertised quarantine flag.
func (e *Endpoint) SetQuarantined(v bool) { e.quarantined.Store(v) }

// Equal implements attribute equality. Two references to the same cell
// are the same endpoint regardless of the metadata inside, which is
// what keeps gRPC from recreating subchannels on load updates.
func (e *Endpoint) Equal(o interface{}) bool {
	other, ok := o.(*Endpoint)
	return ok && other == e
}

type endpointAttrKey struct{}

// withEndpoint attaches the metadata cell to an address.
func withEndpoint(addr resolver.Address, ep *Endpoint) resolver.Address {
	addr.Attributes = attributes.New(endpointAttrKey{}, ep)
	return addr
}

// endpointOf extracts the metadata cell from an address, or nil for
// addresses that did not come from the weft resolver.
func endpointOf(addr resolver.Address) *Endpoint {
	if addr.Attributes == nil {
		return nil
	}
	ep, _ := addr.Attributes.Value(endpointAttrKey{}).(*Endpoint)
	return ep
}
