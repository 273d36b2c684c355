package render

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/types"
)

type countingRebuilder struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingRebuilder) Rebuild(_ context.Context, part, pkg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, part+":"+pkg)
	return nil
}

func (c *countingRebuilder) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func debouncerPool(t *testing.T) *db.Pool {
	t.Helper()
	store, err := db.Initialize(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	p := db.NewPoolWithStores([]*db.Store{store}, 5*time.Second)
	t.Cleanup(p.Close)
	return p
}

func TestBurstCollapsesToOneRender(t *testing.T) {
	rb := &countingRebuilder{}
	s := NewDebouncer(rb, debouncerPool(t), 30*time.Millisecond)

	// One release, many ABIs: a flurry of requests for the same package.
	for i := 0; i < 10; i++ {
		s.Add("pkg", types.RewriteProject)
	}
	s.flush()
	assert.Empty(t, rb.all(), "burst must not flush while still hot")

	time.Sleep(40 * time.Millisecond)
	s.flush()
	assert.Equal(t, []string{"PROJECT:pkg"}, rb.all())

	// Flushed entries are gone.
	s.flush()
	assert.Len(t, rb.all(), 1)
}

func TestProjectPromotedToBoth(t *testing.T) {
	rb := &countingRebuilder{}
	s := NewDebouncer(rb, debouncerPool(t), 10*time.Millisecond)

	s.Add("pkg", types.RewriteProject)
	s.Add("pkg", types.RewriteBoth)
	s.Add("pkg", types.RewriteProject) // later PROJECT must not demote

	time.Sleep(20 * time.Millisecond)
	s.flush()
	assert.Equal(t, []string{"BOTH:pkg"}, rb.all())
}

func TestQuietWindowRestartsOnNewRequest(t *testing.T) {
	rb := &countingRebuilder{}
	s := NewDebouncer(rb, debouncerPool(t), 50*time.Millisecond)

	s.Add("pkg", types.RewriteProject)
	time.Sleep(30 * time.Millisecond)
	s.Add("pkg", types.RewriteProject)
	time.Sleep(30 * time.Millisecond)
	// 60ms after the first request, but only 30ms after the last one.
	s.flush()
	assert.Empty(t, rb.all())
}

func TestPendingSurvivesRestart(t *testing.T) {
	rb := &countingRebuilder{}
	pool := debouncerPool(t)

	s := NewDebouncer(rb, pool, time.Hour)
	require.NoError(t, s.Start())
	s.Add("pkg-a", types.RewriteBoth)
	s.Add("pkg-b", types.RewriteProject)
	s.Stop() // persists

	entries, err := pool.LoadRewritesPending(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Loading drained the table; put them back as Stop would.
	require.NoError(t, pool.SaveRewritesPending(context.Background(), entries))

	// A fresh debouncer with a tiny debounce resumes and flushes them.
	s2 := NewDebouncer(rb, pool, 10*time.Millisecond)
	require.NoError(t, s2.Start())
	assert.Eventually(t, func() bool {
		return len(rb.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	s2.Stop()
	assert.ElementsMatch(t, []string{"BOTH:pkg-a", "PROJECT:pkg-b"}, rb.all())
}
