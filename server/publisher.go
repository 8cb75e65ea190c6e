package server

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/weft/coord"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/host"
)

// publisher drains a server's LoadQueue and writes debounced load
// updates into the registration node. It holds only value copies of
// the host identity and node path, never the Server, so lifecycle and
// publication stay acyclic.
type publisher struct {
	store    coord.Store
	nodePath string
	identity host.Host
	queue    *LoadQueue
	interval time.Duration

	quarantined *atomic.Bool
	lastLoad    *atomic.Int32

	// sessionLost nudges the owner to re-register; cap 1, best effort.
	sessionLost chan<- struct{}

	log *zap.SugaredLogger
}

// run loops until ctx ends: block for a sample, debounce further
// samples until the queue stays quiet for one interval, then publish
// the latest value.
func (p *publisher) run(ctx context.Context) {
	for {
		v, err := p.queue.Next(ctx)
		if err != nil {
			return
		}
		v, ok := p.debounce(ctx, v)
		if !ok {
			return
		}
		p.publish(ctx, v)
	}
}

// debounce waits until no new sample has arrived for one interval and
// returns the latest value seen. ok is false when ctx ended first; the
// pending value is discarded, per shutdown semantics.
func (p *publisher) debounce(ctx context.Context, latest int32) (int32, bool) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, false
		case <-p.queue.Ready():
			drained := false
			for {
				v, ok := p.queue.TryNext()
				if !ok {
					break
				}
				latest = v
				drained = true
			}
			if !drained {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.interval)
		case <-timer.C:
			return latest, true
		}
	}
}

// publish writes one debounced value, unless quarantine suppresses it.
// Write failures are logged and swallowed; the next sample retries.
func (p *publisher) publish(ctx context.Context, load int32) {
	if p.quarantined.Load() {
		p.log.Debugw("suppressing load publish while quarantined",
			"node", p.nodePath,
			"load", load)
		return
	}

	h := p.identity
	h.Metadata.Load = load
	h.Metadata.Quarantined = false

	if err := p.store.SetData(ctx, p.nodePath, host.Encode(h)); err != nil {
		p.log.Warnw("load publish failed",
			"node", p.nodePath,
			"load", load,
			"error", err)
		// A lost session and a vanished node both mean the
		// registration is gone; either way the owner must re-create it.
		if errors.Is(err, coord.ErrSessionLost) || errors.Is(err, coord.ErrNoNode) {
			select {
			case p.sessionLost <- struct{}{}:
			default:
			}
		}
		return
	}

	p.lastLoad.Store(load)
	p.log.Debugw("published load", "node", p.nodePath, "load", load)
}
