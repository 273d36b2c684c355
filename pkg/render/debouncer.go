package render

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

// Rebuilder regenerates one part of the web tree. The renderer is the real
// implementation.
type Rebuilder interface {
	Rebuild(ctx context.Context, part, pkg string) error
}

// Debouncer debounces render requests. Bursts of requests for the same
// package (one release produces a file per ABI) collapse into a single
// render once the package has been quiet for the debounce window. The
// pending set survives restarts through the database.
type Debouncer struct {
	renderer Rebuilder
	pool     *db.Pool
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRewrite

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

type pendingRewrite struct {
	addedAt time.Time // first request, persisted
	lastAt  time.Time // latest request, starts the quiet window
	command types.RewriteCommand
}

// NewDebouncer creates a debouncer in front of the given renderer.
func NewDebouncer(renderer Rebuilder, pool *db.Pool, debounce time.Duration) *Debouncer {
	return &Debouncer{
		renderer: renderer,
		pool:     pool,
		debounce: debounce,
		logger:   log.WithComponent("debouncer"),
		pending:  make(map[string]*pendingRewrite),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Add records a render request for a package. PROJECT is promoted to
// BOTH when any request in the burst asked for BOTH.
func (s *Debouncer) Add(pkg string, cmd types.RewriteCommand) {
	now := time.Now()
	s.mu.Lock()
	if p, ok := s.pending[pkg]; ok {
		p.lastAt = now
		if cmd == types.RewriteBoth {
			p.command = types.RewriteBoth
		}
	} else {
		s.pending[pkg] = &pendingRewrite{addedAt: now, lastAt: now, command: cmd}
	}
	n := len(s.pending)
	s.mu.Unlock()
	metrics.RewritesPending.Set(float64(n))
}

// Start reloads the persisted pending set and launches the flush loop.
func (s *Debouncer) Start() error {
	entries, err := s.pool.LoadRewritesPending(context.Background())
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, e := range entries {
		// Reloaded entries kept operators waiting across the restart;
		// let them flush on the first sweep.
		s.pending[e.Package] = &pendingRewrite{
			addedAt: e.AddedAt,
			lastAt:  e.AddedAt,
			command: e.Command,
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	metrics.RewritesPending.Set(float64(n))
	if n > 0 {
		s.logger.Info().Int("pending", n).Msg("resumed persisted render requests")
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.loop()
	return nil
}

// Stop halts the flush loop and persists whatever is still pending.
func (s *Debouncer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	entries := make([]types.RewriteEntry, 0, len(s.pending))
	for pkg, p := range s.pending {
		entries = append(entries, types.RewriteEntry{
			Package: pkg,
			AddedAt: p.addedAt,
			Command: p.command,
		})
	}
	s.mu.Unlock()

	if err := s.pool.SaveRewritesPending(context.Background(), entries); err != nil {
		s.logger.Error().Err(err).Int("pending", len(entries)).Msg("persist render requests")
	}
}

func (s *Debouncer) loop() {
	defer close(s.doneCh)
	// Sweep well inside the debounce window so flushes are not late by
	// a whole period.
	interval := s.debounce / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			return
		}
	}
}

// flush renders every package whose burst has gone quiet.
func (s *Debouncer) flush() {
	now := time.Now()
	type job struct {
		pkg string
		cmd types.RewriteCommand
	}
	var jobs []job

	s.mu.Lock()
	for pkg, p := range s.pending {
		if now.Sub(p.lastAt) >= s.debounce {
			jobs = append(jobs, job{pkg: pkg, cmd: p.command})
			delete(s.pending, pkg)
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	metrics.RewritesPending.Set(float64(n))

	ctx := context.Background()
	for _, j := range jobs {
		part := PartProject
		if j.cmd == types.RewriteBoth {
			part = PartBoth
		}
		if err := s.renderer.Rebuild(ctx, part, j.pkg); err != nil {
			s.logger.Error().Err(err).Str("package", j.pkg).Msg("render flush failed")
			// Put it back; the next sweep retries.
			s.Add(j.pkg, j.cmd)
		}
	}
}
