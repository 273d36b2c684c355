package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/metrics"
)

func testPool(t *testing.T, workers int, timeout time.Duration) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.db")
	first, err := Initialize(path)
	require.NoError(t, err)

	stores := []*Store{first}
	for i := 1; i < workers; i++ {
		s, err := Open(path)
		require.NoError(t, err)
		stores = append(stores, s)
	}
	p := NewPoolWithStores(stores, timeout)
	t.Cleanup(p.Close)
	return p
}

func TestPoolServesOperations(t *testing.T) {
	p := testPool(t, 2, 5*time.Second)
	ctx := context.Background()

	added, err := p.AddPackage(ctx, "numpy", "arrays")
	require.NoError(t, err)
	assert.True(t, added)

	_, err = p.AddVersion(ctx, "numpy", "1.26.0", time.Now())
	require.NoError(t, err)

	pkgs, err := p.GetAllPackages(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "numpy", pkgs[0].Name)
}

func TestPoolConcurrentCallers(t *testing.T) {
	p := testPool(t, 3, 10*time.Second)
	ctx := context.Background()

	_, err := p.AddPackage(ctx, "pkg", "")
	require.NoError(t, err)

	// Many goroutines hammer the pool; every request must be served
	// exactly once with no cross-talk between reply channels.
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.AddVersion(ctx, "pkg",
				time.Now().Add(time.Duration(i)).Format("20060102150405.000000000"),
				time.Now())
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestPoolParkedRequestTimesOut(t *testing.T) {
	p := testPool(t, 1, 100*time.Millisecond)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Occupy the only worker past the second request's deadline.
		_, _ = p.do(context.Background(), "slow", func(s *Store) (any, error) {
			<-release
			return nil, nil
		})
	}()

	// Give the slow request time to claim the worker.
	time.Sleep(20 * time.Millisecond)

	_, err := p.do(context.Background(), "starved", func(s *Store) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)

	close(release)
	wg.Wait()
}

func TestPoolSurvivesWorkerPanic(t *testing.T) {
	p := testPool(t, 1, time.Second)
	ctx := context.Background()

	_, err := p.do(ctx, "boom", func(s *Store) (any, error) {
		panic("worker exploded")
	})
	assert.ErrorIs(t, err, ErrUnavailable)

	// The worker must be back in the idle set afterwards.
	serial, err := p.GetPyPISerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), serial)
}

func TestPoolCountsRequests(t *testing.T) {
	p := testPool(t, 1, time.Second)
	ctx := context.Background()

	ok := testutil.ToFloat64(metrics.DBRequestsTotal.WithLabelValues("ok"))
	failed := testutil.ToFloat64(metrics.DBRequestsTotal.WithLabelValues("error"))

	_, err := p.do(ctx, "noop", func(s *Store) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, ok+1, testutil.ToFloat64(metrics.DBRequestsTotal.WithLabelValues("ok")))

	_, err = p.do(ctx, "missing", func(s *Store) (any, error) { return nil, ErrNotFound })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.DBRequestsTotal.WithLabelValues("error")))
}

func TestPoolClosedRejectsRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")
	s, err := Initialize(path)
	require.NoError(t, err)
	p := NewPoolWithStores([]*Store{s}, time.Second)
	p.Close()

	_, err = p.GetPyPISerial(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
