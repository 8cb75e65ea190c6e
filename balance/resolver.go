package balance

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/resolver"

	"github.com/teranos/weft/discovery"
)

// Scheme is the resolver scheme weft channels dial with, as in
// "weft:///<discovery-path>".
const Scheme = "weft"

// NewResolverBuilder returns a per-channel resolver.Builder that feeds
// the mirror's snapshots into the channel. Pass it via
// grpc.WithResolvers; it is deliberately not registered globally
// because each builder is bound to one mirror.
func NewResolverBuilder(mirror *discovery.Mirror, log *zap.SugaredLogger) resolver.Builder {
	return &mirrorBuilder{mirror: mirror, log: log}
}

type mirrorBuilder struct {
	mirror *discovery.Mirror
	log    *zap.SugaredLogger
}

func (b *mirrorBuilder) Scheme() string { return Scheme }

func (b *mirrorBuilder) Build(_ resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &mirrorResolver{
		mirror: b.mirror,
		cc:     cc,
		log:    b.log,
		ctx:    ctx,
		cancel: cancel,
		cells:  make(map[string]*Endpoint),
		sub:    b.mirror.Subscribe(),
	}
	r.push(b.mirror.Snapshot())
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// mirrorResolver forwards membership snapshots into the channel. It
// owns the Endpoint cells: one per live host, reused across updates so
// metadata changes never churn subchannels.
type mirrorResolver struct {
	mirror *discovery.Mirror
	cc     resolver.ClientConn
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    chan discovery.Snapshot

	mu    sync.Mutex
	cells map[string]*Endpoint
}

func (r *mirrorResolver) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case snap := <-r.sub:
			r.push(snap)
		}
	}
}

func (r *mirrorResolver) push(snap discovery.Snapshot) {
	r.mu.Lock()
	addrs := make([]resolver.Address, 0, len(snap.Hosts))
	live := make(map[string]bool, len(snap.Hosts))
	for _, h := range snap.Hosts {
		key := h.Key()
		live[key] = true
		cell, ok := r.cells[key]
		if !ok {
			cell = NewEndpoint(key)
			r.cells[key] = cell
		}
		cell.SetLoad(h.Metadata.Load)
		cell.SetQuarantined(h.Metadata.Quarantined)
		addrs = append(addrs, withEndpoint(resolver.Address{Addr: h.Target()}, cell))
	}
	for key := range r.cells {
		if !live[key] {
			delete(r.cells, key)
		}
	}
	r.mu.Unlock()

	if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		// The channel rejects updates while shutting down; nothing to do.
		r.log.Debugw("resolver state update rejected", "error", err, "version", snap.Version)
	}
}

// ResolveNow is a no-op: the watch stream already pushes every change.
func (r *mirrorResolver) ResolveNow(resolver.ResolveNowOptions) {}

func (r *mirrorResolver) Close() {
	r.cancel()
	r.wg.Wait()
	r.mirror.Unsubscribe(r.sub)
}
