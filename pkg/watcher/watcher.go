package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/types"
)

// Config holds the watcher's tunables.
type Config struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration // 0 disables the catalogue sweep

	// UnavailableWindow bounds how long the database may stay
	// unavailable before the watcher declares the master unfit to run.
	// Zero disables escalation; polls keep retrying regardless.
	UnavailableWindow time.Duration
}

// Watcher tails the upstream changelog and keeps the package catalogue
// current. It owns the stored serial: every processed event advances it,
// and a serial moving backwards is treated as fatal.
type Watcher struct {
	pool     *db.Pool
	upstream Upstream
	cfg      Config
	logger   zerolog.Logger

	// onFatal is invoked at most once when the watcher hits a state it
	// cannot recover from (serial regression, schema trouble, a database
	// outage past the configured window).
	onFatal func(error)
	outage  *db.Outage

	mu      sync.Mutex
	paused  bool
	fatal   bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a watcher. onFatal may be nil, in which case fatal
// conditions are only logged.
func New(pool *db.Pool, upstream Upstream, cfg Config, onFatal func(error)) *Watcher {
	return &Watcher{
		pool:     pool,
		upstream: upstream,
		cfg:      cfg,
		logger:   log.WithComponent("watcher"),
		onFatal:  onFatal,
		outage:   db.NewOutage(cfg.UnavailableWindow),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.loop()
}

// Stop terminates the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	close(w.stopCh)
	<-w.doneCh
}

// Pause suspends event ingestion until Resume. A poll already in
// progress finishes its current batch.
func (w *Watcher) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.logger.Info().Msg("ingestion paused")
}

// Resume re-enables event ingestion.
func (w *Watcher) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.logger.Info().Msg("ingestion resumed")
}

func (w *Watcher) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused || w.fatal
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	var reconcile <-chan time.Time
	if w.cfg.ReconcileInterval > 0 {
		t := time.NewTicker(w.cfg.ReconcileInterval)
		defer t.Stop()
		reconcile = t.C
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	// Catch up immediately rather than waiting a full interval.
	if !w.isPaused() {
		w.poll(ctx)
	}

	for {
		select {
		case <-poll.C:
			if !w.isPaused() {
				w.poll(ctx)
			}
		case <-reconcile:
			if !w.isPaused() {
				w.reconcile(ctx)
			}
		case <-w.stopCh:
			return
		}
	}
}

// poll fetches events past the stored serial and applies them in order.
// A failing event aborts the batch; the next tick retries from the last
// recorded serial, so every event is applied at least once.
func (w *Watcher) poll(ctx context.Context) {
	serial, err := w.pool.GetPyPISerial(ctx)
	w.observeDB(err)
	if err != nil {
		w.logger.Error().Err(err).Msg("read stored serial")
		return
	}
	events, err := w.upstream.Events(ctx, serial)
	if err != nil {
		w.logger.Warn().Err(err).Int64("serial", serial).Msg("fetch upstream events")
		return
	}
	for _, ev := range events {
		if err := w.apply(ctx, ev); err != nil {
			w.observeDB(err)
			w.logger.Error().Err(err).
				Int64("serial", ev.Serial).
				Str("action", ev.Action).
				Str("package", ev.Package).
				Msg("apply upstream event")
			return
		}
	}
	w.observeDB(nil)
	if len(events) > 0 {
		w.logger.Debug().Int("events", len(events)).
			Int64("serial", events[len(events)-1].Serial).
			Msg("caught up with upstream")
	}
}

func (w *Watcher) apply(ctx context.Context, ev Event) error {
	pkg := types.NormalizePackageName(ev.Package)

	var err error
	switch ev.Action {
	case ActionCreate:
		err = w.ensurePackage(ctx, pkg, ev.Package, ev.Time())
	case ActionNewRelease:
		if err = w.ensurePackage(ctx, pkg, ev.Package, ev.Time()); err == nil {
			_, err = w.pool.AddVersion(ctx, pkg, ev.Version, ev.Time())
		}
	case ActionYankRelease:
		err = ignoreNotFound(w.pool.YankVersion(ctx, pkg, ev.Version))
	case ActionUnyankRelease:
		err = ignoreNotFound(w.pool.UnyankVersion(ctx, pkg, ev.Version))
	case ActionRemoveRelease:
		err = ignoreNotFound(w.pool.DeleteVersion(ctx, pkg, ev.Version))
	case ActionRemoveProject:
		err = ignoreNotFound(w.pool.DeletePackage(ctx, pkg))
	case ActionRename:
		err = w.ensurePackage(ctx, pkg, ev.Package, ev.Time())
	default:
		// Unknown actions still advance the serial; the changelog
		// grows vocabulary faster than we do.
		w.logger.Debug().Str("action", ev.Action).Msg("ignoring upstream action")
	}
	if err != nil {
		return err
	}

	if err := w.pool.SetPyPISerial(ctx, ev.Serial); err != nil {
		if errors.Is(err, db.ErrIntegrity) {
			w.fail(fmt.Errorf("upstream serial went backwards at %d: %w", ev.Serial, err))
		}
		return err
	}
	metrics.UpstreamSerial.Set(float64(ev.Serial))
	metrics.UpstreamEventsTotal.WithLabelValues(ev.Action).Inc()
	return nil
}

// ensurePackage registers the package if new and records the raw name as
// an alias, so the display name follows the most recently seen spelling.
func (w *Watcher) ensurePackage(ctx context.Context, pkg, alias string, seen time.Time) error {
	if _, err := w.pool.AddPackage(ctx, pkg, ""); err != nil {
		return err
	}
	return w.pool.AddPackageName(ctx, pkg, alias, seen)
}

// reconcile walks the full upstream catalogue and registers anything the
// event log never told us about. The changelog is occasionally lossy.
func (w *Watcher) reconcile(ctx context.Context) {
	names, err := w.upstream.ListPackages(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("fetch upstream catalogue")
		return
	}
	known, err := w.pool.GetAllPackages(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("read local catalogue")
		return
	}
	have := make(map[string]bool, len(known))
	for _, p := range known {
		have[p.Name] = true
	}

	added := 0
	now := time.Now().UTC()
	for _, name := range names {
		pkg := types.NormalizePackageName(name)
		if have[pkg] {
			continue
		}
		if err := w.ensurePackage(ctx, pkg, name, now); err != nil {
			w.logger.Error().Err(err).Str("package", pkg).Msg("register missing package")
			return
		}
		added++
	}
	w.logger.Info().Int("upstream", len(names)).Int("added", added).Msg("catalogue reconciled")
}

// observeDB feeds a database call result to the outage tracker and
// escalates once unavailability has persisted for the whole window.
func (w *Watcher) observeDB(err error) {
	if w.outage.Observe(err) {
		w.fail(fmt.Errorf("database unavailable for %s: %w", w.cfg.UnavailableWindow, err))
	}
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	already := w.fatal
	w.fatal = true
	w.mu.Unlock()
	if already {
		return
	}
	w.logger.Error().Err(err).Msg("watcher hit fatal condition")
	if w.onFatal != nil {
		w.onFatal(err)
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}
