package balance

import (
	"sync/atomic"

	"google.golang.org/grpc/balancer"
)

// pickEntry is one ready subchannel with its metadata cell.
type pickEntry struct {
	sc  balancer.SubConn
	ep  *Endpoint
	key string
}

// leastLoadPicker selects among ready subchannels on every RPC:
// quarantined endpoints are filtered out, the survivors are reduced to
// the minimum-load set, and a shared cursor rotates through ties so
// equally-loaded hosts share traffic evenly.
//
// Metadata is read through the live Endpoint cells at pick time, so a
// load update published between picker rebuilds is still observed.
type leastLoadPicker struct {
	entries []pickEntry
	cursor  *atomic.Uint64
}

func (p *leastLoadPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	// Single pass: track the current minimum and collect its ties.
	var candidates []pickEntry
	var minLoad int32
	for _, e := range p.entries {
		if e.ep != nil && e.ep.Quarantined() {
			continue
		}
		load := int32(0)
		if e.ep != nil {
			load = e.ep.Load()
		}
		switch {
		case len(candidates) == 0 || load < minLoad:
			minLoad = load
			candidates = append(candidates[:0], e)
		case load == minLoad:
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		return balancer.PickResult{}, ErrNoReadyEndpoint
	}

	idx := (p.cursor.Add(1) - 1) % uint64(len(candidates))
	return balancer.PickResult{SubConn: candidates[idx].sc}, nil
}
