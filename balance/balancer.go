package balance

import (
	"sort"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/status"
)

// Name is the load-balancing policy name channels select via service
// config.
const Name = "weft_least_load"

// ServiceConfig is the default service config snippet that enables the
// policy on a channel.
const ServiceConfig = `{"loadBalancingConfig":[{"` + Name + `":{}}]}`

// ErrNoReadyEndpoint is returned to RPC callers when membership is
// empty, when every ready endpoint is quarantined, or when no
// subchannel is ready or connecting. Those RPCs fail fast; while
// subchannels are still connecting and none is ready, RPCs wait for
// the next picker instead.
var ErrNoReadyEndpoint = status.Error(codes.Unavailable, "weft: no ready endpoint")

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn, _ balancer.BuildOptions) balancer.Balancer {
	return &leastLoadBalancer{
		cc:    cc,
		conns: make(map[string]*endpointConn),
	}
}

// endpointConn pairs one subchannel with its live metadata cell.
type endpointConn struct {
	addr  resolver.Address
	ep    *Endpoint
	sc    balancer.SubConn
	state connectivity.State
}

// leastLoadBalancer keeps one subchannel per mirrored host and
// publishes a least-load picker over the ready ones.
type leastLoadBalancer struct {
	cc balancer.ClientConn

	mu     sync.Mutex
	conns  map[string]*endpointConn
	cursor atomic.Uint64 // shared by successive pickers; preserves rotation
	closed bool
}

var _ balancer.Balancer = (*leastLoadBalancer)(nil)
var _ balancer.ExitIdler = (*leastLoadBalancer)(nil)

func (b *leastLoadBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	b.mu.Lock()

	live := make(map[string]bool, len(s.ResolverState.Addresses))
	for _, addr := range s.ResolverState.Addresses {
		key := addr.Addr
		live[key] = true
		if existing, ok := b.conns[key]; ok {
			existing.addr = addr
			if ep := endpointOf(addr); ep != nil {
				existing.ep = ep
			}
			continue
		}

		conn := &endpointConn{addr: addr, ep: endpointOf(addr), state: connectivity.Idle}
		sc, err := b.cc.NewSubConn([]resolver.Address{addr}, balancer.NewSubConnOptions{
			StateListener: func(scs balancer.SubConnState) {
				b.handleSubConnState(conn, scs)
			},
		})
		if err != nil {
			b.mu.Unlock()
			return err
		}
		conn.sc = sc
		b.conns[key] = conn
		sc.Connect()
	}

	// Hosts gone from the snapshot: shut the subchannel down; gRPC
	// lets in-flight RPCs finish.
	for key, conn := range b.conns {
		if !live[key] {
			conn.sc.Shutdown()
			delete(b.conns, key)
		}
	}

	state := b.buildStateLocked()
	b.mu.Unlock()
	b.cc.UpdateState(state)

	if len(s.ResolverState.Addresses) == 0 {
		return balancer.ErrBadResolverState
	}
	return nil
}

func (b *leastLoadBalancer) ResolverError(error) {
	b.mu.Lock()
	state := b.buildStateLocked()
	b.mu.Unlock()
	b.cc.UpdateState(state)
}

// UpdateSubConnState is the legacy notification path; new subchannels
// use the StateListener instead.
func (b *leastLoadBalancer) UpdateSubConnState(balancer.SubConn, balancer.SubConnState) {}

func (b *leastLoadBalancer) handleSubConnState(conn *endpointConn, scs balancer.SubConnState) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	conn.state = scs.ConnectivityState
	if scs.ConnectivityState == connectivity.Idle {
		// The transport went idle (e.g. server GOAWAY); reconnect so
		// the endpoint stays pickable.
		conn.sc.Connect()
	}
	state := b.buildStateLocked()
	b.mu.Unlock()
	b.cc.UpdateState(state)
}

func (b *leastLoadBalancer) ExitIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		if conn.state == connectivity.Idle {
			conn.sc.Connect()
		}
	}
}

func (b *leastLoadBalancer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, conn := range b.conns {
		conn.sc.Shutdown()
		delete(b.conns, key)
	}
}

// buildStateLocked derives the aggregate connectivity state and the
// picker from the current subchannel set. Caller holds b.mu.
func (b *leastLoadBalancer) buildStateLocked() balancer.State {
	var ready []pickEntry
	var connecting int
	for _, conn := range b.conns {
		switch conn.state {
		case connectivity.Ready:
			ready = append(ready, pickEntry{sc: conn.sc, ep: conn.ep, key: conn.addr.Addr})
		case connectivity.Connecting, connectivity.Idle:
			connecting++
		}
	}
	// Deterministic order keeps tie rotation stable across rebuilds.
	sort.Slice(ready, func(i, j int) bool { return ready[i].key < ready[j].key })

	switch {
	case len(ready) > 0:
		return balancer.State{
			ConnectivityState: connectivity.Ready,
			Picker:            &leastLoadPicker{entries: ready, cursor: &b.cursor},
		}
	case len(b.conns) == 0:
		// Empty membership: fail fast, there is nothing to wait for.
		return balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            errPicker{err: ErrNoReadyEndpoint},
		}
	case connecting > 0:
		return balancer.State{
			ConnectivityState: connectivity.Connecting,
			Picker:            queuePicker{},
		}
	default:
		return balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            errPicker{err: ErrNoReadyEndpoint},
		}
	}
}

// errPicker fails every RPC with a fixed error.
type errPicker struct{ err error }

func (p errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}

// queuePicker parks RPCs until the next picker update.
type queuePicker struct{}

func (queuePicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
}
