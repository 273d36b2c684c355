package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kilnworks/kiln/pkg/admin"
	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/coordinator"
	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/logingest"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/planner"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/render"
	"github.com/kilnworks/kiln/pkg/stats"
	"github.com/kilnworks/kiln/pkg/transfer"
	"github.com/kilnworks/kiln/pkg/watcher"
)

// Supervisor owns every master task. New wires them together, Start binds
// the sockets and launches the loops, Wait blocks until a quit request or
// fatal error, Stop tears the tasks down in reverse dependency order.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	// runID distinguishes this boot of the master in logs and monitor
	// output across restarts.
	runID string

	pool      *db.Pool
	broker    *events.Broker
	renderer  *render.Renderer
	debouncer *render.Debouncer
	planner   *planner.Planner
	transfer  *transfer.Server
	coord     *coordinator.Coordinator
	watcher   *watcher.Watcher
	admin     *admin.Server
	logIngest *logingest.Server
	stats     *stats.Collector
	control   *protocol.Server

	metricsSrv *http.Server

	monMu    sync.Mutex
	monitors map[*protocol.ServerConn]*monitor

	sub        events.Subscriber
	statusDone chan struct{}

	quitCh   chan error
	quitOnce sync.Once
}

// New builds the full task graph from cfg. The database must already
// carry the current schema; see the migrate tool.
func New(cfg *config.Config) (*Supervisor, error) {
	pool, err := db.NewPool(db.PoolConfig{
		DSN:     cfg.Database.DSN,
		Workers: cfg.Database.Workers,
		Timeout: cfg.Database.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()

	renderer, err := render.NewRenderer(render.Config{
		OutputPath: cfg.Output.Path,
		IndexURL:   cfg.Upstream.IndexURL,
	}, pool, broker)
	if err != nil {
		pool.Close()
		return nil, err
	}
	debouncer := render.NewDebouncer(renderer, pool, cfg.Render.Debounce.Std())

	plan := planner.New(pool, planner.Config{
		BusyInterval: cfg.Planner.BusyInterval.Std(),
		IdleInterval: cfg.Planner.IdleInterval.Std(),
		QueueDepth:   cfg.Planner.QueueDepth,
	})

	ts := transfer.NewServer(transfer.Config{
		OutputPath: cfg.Output.Path,
		ChunkSize:  cfg.Transfer.ChunkSize,
		Window:     cfg.Transfer.Window,
	}, broker)

	coord := coordinator.New(coordinator.Config{
		PyPIURL:        cfg.Upstream.IndexURL,
		OutputPath:     cfg.Output.Path,
		DefaultTimeout: cfg.Builders.DefaultTimeout.Std(),
		SweepInterval:  cfg.Builders.SweepInterval.Std(),
	}, pool, ts, broker, debouncer.Add, plan.Snapshots())

	runID := uuid.NewString()
	logger := log.WithComponent("supervisor").With().Str("run_id", runID).Logger()
	s := &Supervisor{
		cfg:        cfg,
		runID:      runID,
		logger:     logger,
		pool:       pool,
		broker:     broker,
		renderer:   renderer,
		debouncer:  debouncer,
		planner:    plan,
		transfer:   ts,
		coord:      coord,
		monitors:   make(map[*protocol.ServerConn]*monitor),
		statusDone: make(chan struct{}),
		quitCh:     make(chan error, 1),
	}

	upstream := watcher.NewClient(cfg.Upstream.IndexURL, cfg.Upstream.EventsURL,
		cfg.Upstream.RequestsPerSecond)
	s.watcher = watcher.New(pool, upstream, watcher.Config{
		PollInterval:      cfg.Upstream.PollInterval.Std(),
		ReconcileInterval: cfg.Upstream.ReconcileInterval.Std(),
		UnavailableWindow: cfg.Database.OutageWindow.Std(),
	}, s.fatal)

	s.admin = admin.NewServer(pool, renderer, admin.RenderNotify(debouncer.Add))
	s.logIngest = logingest.NewServer(pool)
	s.stats = stats.New(pool, renderer, broker, stats.Sources{
		QueueSizes:   plan.Sizes,
		ActiveSlaves: func() int { return len(coord.Slaves()) },
	}, cfg.Stats.Interval.Std())

	s.control = protocol.NewServer("control", protocol.ControlRegistry(), s.handleControl)
	s.control.OnClose = s.dropMonitor
	return s, nil
}

// Start binds every socket and launches the task loops. On a bind failure
// nothing keeps running; the caller should exit.
func (s *Supervisor) Start() error {
	s.broker.Start()
	if err := s.debouncer.Start(); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error { return s.coord.Start(s.cfg.Sockets.Builder) })
	g.Go(func() error { return s.transfer.Start(s.cfg.Sockets.File) })
	g.Go(func() error { return s.admin.Start(s.cfg.Sockets.Admin) })
	g.Go(func() error { return s.logIngest.Start(s.cfg.Sockets.Log) })
	g.Go(func() error { return s.control.Start(s.cfg.Sockets.Control) })
	if err := g.Wait(); err != nil {
		return err
	}

	if s.cfg.Sockets.Metrics != "" {
		metrics.Register()
		s.metricsSrv = &http.Server{Addr: s.cfg.Sockets.Metrics, Handler: metrics.Handler()}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				s.fatal(err)
			}
		}()
	}

	// Make sure the web root serves something before the first build
	// lands.
	ctx := context.Background()
	if err := s.renderer.WriteRoot(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial root render")
	}
	if err := s.renderer.WriteSearchIndex(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial search index render")
	}

	s.sub = s.broker.Subscribe()
	go s.statusLoop()

	s.planner.Start()
	s.watcher.Start()
	s.stats.Start()

	s.logger.Info().
		Str("builder", s.cfg.Sockets.Builder).
		Str("file", s.cfg.Sockets.File).
		Str("control", s.cfg.Sockets.Control).
		Msg("master started")
	return nil
}

// Wait blocks until the master is asked to quit. It returns nil for an
// orderly quit and the causing error for a fatal condition.
func (s *Supervisor) Wait() error {
	return <-s.quitCh
}

// Quit requests an orderly shutdown; Wait unblocks with nil.
func (s *Supervisor) Quit() {
	s.finish(nil)
}

func (s *Supervisor) fatal(err error) {
	s.logger.Error().Err(err).Msg("fatal condition, shutting down")
	s.finish(err)
}

func (s *Supervisor) finish(err error) {
	s.quitOnce.Do(func() {
		s.broker.Publish(&events.Event{Type: events.EventMasterQuitting})
		s.quitCh <- err
	})
}

// Stop tears the tasks down: intake first, then the builder channel, then
// the renderer (persisting its pending work), the database pool last.
// In-flight builds get a drain window before their sessions are dropped.
func (s *Supervisor) Stop() {
	s.watcher.Stop()
	s.planner.Stop()
	s.coord.Drain(s.cfg.Builders.DrainTimeout.Std())
	s.coord.Stop()
	s.control.Stop()
	s.admin.Stop()
	s.logIngest.Stop()
	s.transfer.Stop()
	s.stats.Stop()

	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metricsSrv.Shutdown(ctx)
		cancel()
	}

	if s.sub != nil {
		s.broker.Unsubscribe(s.sub)
		<-s.statusDone
	}
	s.debouncer.Stop()
	s.broker.Stop()
	s.pool.Close()
	s.logger.Info().Msg("master stopped")
}
