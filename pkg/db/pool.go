package db

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/types"
)

// operation is one named request crossing the balancer. The reply channel
// is the routing prefix analogue: the balancer never inspects results, it
// only returns workers to the idle set.
type operation struct {
	name    string
	fn      func(*Store) (any, error)
	replyCh chan result
}

type result struct {
	value any
	err   error
}

// PoolConfig configures the database worker pool.
type PoolConfig struct {
	DSN     string
	Workers int           // pool size, default 4
	Timeout time.Duration // per-request deadline, default 10s
}

// Pool serializes database access through N identical workers behind a
// balancer. Each worker owns one Store and serves one request at a time;
// arrivals with no idle worker park in FIFO order.
type Pool struct {
	stores  []*Store
	timeout time.Duration

	reqCh  chan *operation
	doneCh chan int
	stopCh chan struct{}
	doneWg chan struct{}
}

// NewPool opens the pool's stores and starts the balancer. The first
// store verifies the schema version; a mismatch is fatal for the caller.
func NewPool(cfg PoolConfig) (*Pool, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p := &Pool{
		timeout: timeout,
		reqCh:   make(chan *operation),
		doneCh:  make(chan int, workers),
		stopCh:  make(chan struct{}),
		doneWg:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		store, err := Open(cfg.DSN)
		if err != nil {
			for _, s := range p.stores {
				s.Close()
			}
			return nil, fmt.Errorf("open pool worker %d: %w", i, err)
		}
		p.stores = append(p.stores, store)
	}
	go p.balance()
	return p, nil
}

// NewPoolWithStores builds a pool over pre-opened stores. Used by tests
// and by kiln-migrate, which initializes the schema first.
func NewPoolWithStores(stores []*Store, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &Pool{
		stores:  stores,
		timeout: timeout,
		reqCh:   make(chan *operation),
		doneCh:  make(chan int, len(stores)),
		stopCh:  make(chan struct{}),
		doneWg:  make(chan struct{}),
	}
	go p.balance()
	return p
}

// Close stops the balancer and closes every store. In-flight requests
// finish first; parked requests fail with ErrUnavailable.
func (p *Pool) Close() {
	close(p.stopCh)
	<-p.doneWg
	for _, s := range p.stores {
		s.Close()
	}
}

// balance runs the idle-set scheduler: exactly one outstanding request
// per worker, strict FIFO for parked arrivals.
func (p *Pool) balance() {
	defer close(p.doneWg)
	logger := log.WithComponent("db-pool")

	idle := make([]int, len(p.stores))
	for i := range idle {
		idle[i] = i
	}
	var parked []*operation
	inflight := 0

	dispatch := func(op *operation) {
		w := idle[len(idle)-1]
		idle = idle[:len(idle)-1]
		inflight++
		go p.run(w, op)
	}

	for {
		select {
		case op := <-p.reqCh:
			if len(idle) > 0 {
				dispatch(op)
			} else {
				parked = append(parked, op)
			}
		case w := <-p.doneCh:
			idle = append(idle, w)
			inflight--
			if len(parked) > 0 {
				op := parked[0]
				parked = parked[1:]
				dispatch(op)
			}
		case <-p.stopCh:
			// Drain in-flight work, fail everything parked.
			for inflight > 0 {
				<-p.doneCh
				inflight--
			}
			for _, op := range parked {
				op.replyCh <- result{err: ErrUnavailable}
			}
			if len(parked) > 0 {
				logger.Warn().Int("parked", len(parked)).Msg("dropped parked requests at shutdown")
			}
			return
		}
	}
}

func (p *Pool) run(worker int, op *operation) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("db-pool")
			logger.Error().
				Str("operation", op.name).
				Interface("panic", r).
				Msg("worker panicked")
			op.replyCh <- result{err: fmt.Errorf("%w: worker panic in %s", ErrUnavailable, op.name)}
		}
		p.doneCh <- worker
	}()
	value, err := op.fn(p.stores[worker])
	op.replyCh <- result{value: value, err: err}
}

// do submits one named operation and waits for its reply. The reply
// channel is buffered so a timed-out caller never blocks the worker.
func (p *Pool) do(ctx context.Context, name string, fn func(*Store) (any, error)) (any, error) {
	op := &operation{name: name, fn: fn, replyCh: make(chan result, 1)}
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.reqCh <- op:
	case <-timer.C:
		metrics.DBRequestsTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %s not accepted within %s", ErrUnavailable, name, p.timeout)
	case <-ctx.Done():
		metrics.DBRequestsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	case <-p.stopCh:
		metrics.DBRequestsTotal.WithLabelValues("timeout").Inc()
		return nil, ErrUnavailable
	}

	select {
	case res := <-op.replyCh:
		if res.err != nil {
			metrics.DBRequestsTotal.WithLabelValues("error").Inc()
		} else {
			metrics.DBRequestsTotal.WithLabelValues("ok").Inc()
		}
		return res.value, res.err
	case <-timer.C:
		metrics.DBRequestsTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %s timed out after %s", ErrUnavailable, name, p.timeout)
	case <-ctx.Done():
		metrics.DBRequestsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	}
}

// The named-operation surface, mirrored from Store. Tasks call these;
// nothing outside this package touches a Store directly once the master
// is running.

func (p *Pool) AddPackage(ctx context.Context, name, description string) (bool, error) {
	v, err := p.do(ctx, "add-package", func(s *Store) (any, error) {
		return s.AddPackage(name, description)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (p *Pool) AddPackageName(ctx context.Context, pkg, alias string, seen time.Time) error {
	_, err := p.do(ctx, "add-package-name", func(s *Store) (any, error) {
		return nil, s.AddPackageName(pkg, alias, seen)
	})
	return err
}

func (p *Pool) SkipPackage(ctx context.Context, name, reason string) error {
	_, err := p.do(ctx, "skip-package", func(s *Store) (any, error) {
		return nil, s.SkipPackage(name, reason)
	})
	return err
}

func (p *Pool) DeletePackage(ctx context.Context, name string) error {
	_, err := p.do(ctx, "delete-package", func(s *Store) (any, error) {
		return nil, s.DeletePackage(name)
	})
	return err
}

func (p *Pool) GetAllPackages(ctx context.Context) ([]*types.Package, error) {
	v, err := p.do(ctx, "get-all-packages", func(s *Store) (any, error) {
		return s.GetAllPackages()
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.Package), nil
}

func (p *Pool) AddVersion(ctx context.Context, pkg, version string, released time.Time) (bool, error) {
	v, err := p.do(ctx, "add-version", func(s *Store) (any, error) {
		return s.AddVersion(pkg, version, released)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (p *Pool) SkipVersion(ctx context.Context, pkg, version, reason string) error {
	_, err := p.do(ctx, "skip-version", func(s *Store) (any, error) {
		return nil, s.SkipVersion(pkg, version, reason)
	})
	return err
}

func (p *Pool) DeleteVersion(ctx context.Context, pkg, version string) error {
	_, err := p.do(ctx, "delete-version", func(s *Store) (any, error) {
		return nil, s.DeleteVersion(pkg, version)
	})
	return err
}

func (p *Pool) YankVersion(ctx context.Context, pkg, version string) error {
	_, err := p.do(ctx, "yank-version", func(s *Store) (any, error) {
		return nil, s.YankVersion(pkg, version)
	})
	return err
}

func (p *Pool) UnyankVersion(ctx context.Context, pkg, version string) error {
	_, err := p.do(ctx, "unyank-version", func(s *Store) (any, error) {
		return nil, s.UnyankVersion(pkg, version)
	})
	return err
}

func (p *Pool) VersionExists(ctx context.Context, pkg, version string) (bool, error) {
	v, err := p.do(ctx, "version-exists", func(s *Store) (any, error) {
		return s.VersionExists(pkg, version)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (p *Pool) GetBuildABIs(ctx context.Context) ([]types.BuildABI, error) {
	v, err := p.do(ctx, "get-build-abis", func(s *Store) (any, error) {
		return s.GetBuildABIs()
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.BuildABI), nil
}

func (p *Pool) GetPyPISerial(ctx context.Context) (int64, error) {
	v, err := p.do(ctx, "get-pypi-serial", func(s *Store) (any, error) {
		return s.GetPyPISerial()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (p *Pool) SetPyPISerial(ctx context.Context, serial int64) error {
	_, err := p.do(ctx, "set-pypi-serial", func(s *Store) (any, error) {
		return nil, s.SetPyPISerial(serial)
	})
	return err
}

func (p *Pool) GetPendingQueue(ctx context.Context, limit int) (types.QueueSnapshot, error) {
	v, err := p.do(ctx, "get-pending-queue", func(s *Store) (any, error) {
		return s.GetPendingQueue(limit)
	})
	if err != nil {
		return nil, err
	}
	return v.(types.QueueSnapshot), nil
}

func (p *Pool) LogBuildSuccess(ctx context.Context, build *types.Build) (int64, error) {
	v, err := p.do(ctx, "log-build-success", func(s *Store) (any, error) {
		return s.LogBuildSuccess(build)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (p *Pool) LogBuildFailure(ctx context.Context, build *types.Build) (int64, error) {
	v, err := p.do(ctx, "log-build-failure", func(s *Store) (any, error) {
		return s.LogBuildFailure(build)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (p *Pool) DeleteBuild(ctx context.Context, id int64) error {
	_, err := p.do(ctx, "delete-build", func(s *Store) (any, error) {
		return nil, s.DeleteBuild(id)
	})
	return err
}

func (p *Pool) GetProjectData(ctx context.Context, pkg string) (*types.ProjectData, error) {
	v, err := p.do(ctx, "get-project-data", func(s *Store) (any, error) {
		return s.GetProjectData(pkg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ProjectData), nil
}

func (p *Pool) GetPackageFiles(ctx context.Context, pkg string) ([]*types.File, error) {
	v, err := p.do(ctx, "get-package-files", func(s *Store) (any, error) {
		return s.GetPackageFiles(pkg)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.File), nil
}

func (p *Pool) GetSearchIndex(ctx context.Context) ([]types.SearchEntry, error) {
	v, err := p.do(ctx, "get-search-index", func(s *Store) (any, error) {
		return s.GetSearchIndex()
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.SearchEntry), nil
}

func (p *Pool) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	v, err := p.do(ctx, "get-statistics", func(s *Store) (any, error) {
		return s.GetStatistics()
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Statistics), nil
}

func (p *Pool) SaveRewritesPending(ctx context.Context, entries []types.RewriteEntry) error {
	_, err := p.do(ctx, "save-rewrites-pending", func(s *Store) (any, error) {
		return nil, s.SaveRewritesPending(entries)
	})
	return err
}

func (p *Pool) LoadRewritesPending(ctx context.Context) ([]types.RewriteEntry, error) {
	v, err := p.do(ctx, "load-rewrites-pending", func(s *Store) (any, error) {
		return s.LoadRewritesPending()
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.RewriteEntry), nil
}

func (p *Pool) LogAccess(ctx context.Context, ev *types.AccessEvent) error {
	_, err := p.do(ctx, "log-access", func(s *Store) (any, error) {
		return nil, s.LogAccess(ev)
	})
	return err
}
