package planner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/types"
)

// Config holds the planner's tunables.
type Config struct {
	// BusyInterval is the recompute cadence while the queue has work;
	// IdleInterval applies when the last snapshot came back empty.
	BusyInterval time.Duration
	IdleInterval time.Duration

	// QueueDepth bounds the entries fetched per ABI.
	QueueDepth int
}

// Planner periodically computes the pending-build queue and publishes
// snapshots. Consumers read from Snapshots; only the freshest snapshot
// is kept, stale ones are dropped rather than queued.
type Planner struct {
	pool   *db.Pool
	cfg    Config
	logger zerolog.Logger

	snapshots chan types.QueueSnapshot
	kickCh    chan struct{}

	mu    sync.Mutex
	sizes map[string]int

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a planner.
func New(pool *db.Pool, cfg Config) *Planner {
	return &Planner{
		pool:      pool,
		cfg:       cfg,
		logger:    log.WithComponent("planner"),
		snapshots: make(chan types.QueueSnapshot, 1),
		kickCh:    make(chan struct{}, 1),
		sizes:     make(map[string]int),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Snapshots returns the channel carrying published queue snapshots.
func (p *Planner) Snapshots() <-chan types.QueueSnapshot {
	return p.snapshots
}

// Kick requests an immediate recompute, collapsing concurrent requests.
func (p *Planner) Kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// Sizes returns the per-ABI entry counts of the last snapshot.
func (p *Planner) Sizes() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.sizes))
	for abi, n := range p.sizes {
		out[abi] = n
	}
	return out
}

// Start launches the recompute loop.
func (p *Planner) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.loop()
}

// Stop terminates the loop and waits for it to exit.
func (p *Planner) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	close(p.stopCh)
	<-p.doneCh
}

func (p *Planner) loop() {
	defer close(p.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	interval := p.tick(ctx)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-p.kickCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-p.stopCh:
			return
		}
		timer.Reset(p.tick(ctx))
	}
}

// tick computes one snapshot, publishes it, and returns the interval to
// wait before the next recompute.
func (p *Planner) tick(ctx context.Context) time.Duration {
	snapshot, err := p.pool.GetPendingQueue(ctx, p.cfg.QueueDepth)
	if err != nil {
		p.logger.Error().Err(err).Msg("compute pending queue")
		return p.cfg.BusyInterval
	}
	p.publish(snapshot)

	if snapshot.Size() == 0 {
		return p.cfg.IdleInterval
	}
	return p.cfg.BusyInterval
}

func (p *Planner) publish(snapshot types.QueueSnapshot) {
	p.mu.Lock()
	for abi := range p.sizes {
		if _, ok := snapshot[abi]; !ok {
			metrics.QueueSize.WithLabelValues(abi).Set(0)
			delete(p.sizes, abi)
		}
	}
	for abi, entries := range snapshot {
		p.sizes[abi] = len(entries)
		metrics.QueueSize.WithLabelValues(abi).Set(float64(len(entries)))
	}
	p.mu.Unlock()

	// Replace any unconsumed snapshot; the coordinator only ever wants
	// the latest view.
	select {
	case <-p.snapshots:
	default:
	}
	select {
	case p.snapshots <- snapshot:
	default:
	}

	p.logger.Debug().Int("entries", snapshot.Size()).Int("abis", len(snapshot)).Msg("queue snapshot published")
}
