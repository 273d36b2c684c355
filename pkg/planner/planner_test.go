package planner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testPool(t *testing.T) *db.Pool {
	t.Helper()
	store, err := db.Initialize(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	p := db.NewPoolWithStores([]*db.Store{store}, 5*time.Second)
	t.Cleanup(p.Close)
	return p
}

func TestTickPublishesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")
	store, err := db.Initialize(path)
	require.NoError(t, err)
	require.NoError(t, store.AddBuildABI(types.BuildABI{Tag: "cp311"}))
	pool := db.NewPoolWithStores([]*db.Store{store}, 5*time.Second)
	t.Cleanup(pool.Close)

	ctx := context.Background()
	_, err = pool.AddPackage(ctx, "pkg", "")
	require.NoError(t, err)
	_, err = pool.AddVersion(ctx, "pkg", "1.0", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	p := New(pool, Config{
		BusyInterval: time.Second,
		IdleInterval: time.Minute,
		QueueDepth:   10,
	})

	interval := p.tick(ctx)
	assert.Equal(t, time.Second, interval)

	select {
	case snap := <-p.Snapshots():
		require.Len(t, snap["cp311"], 1)
		assert.Equal(t, "pkg", snap["cp311"][0].Package)
		assert.Equal(t, "1.0", snap["cp311"][0].Version)
	default:
		t.Fatal("no snapshot published")
	}

	assert.Equal(t, map[string]int{"cp311": 1}, p.Sizes())
}

func TestEmptyQueueSlowsDown(t *testing.T) {
	pool := testPool(t)
	p := New(pool, Config{
		BusyInterval: time.Second,
		IdleInterval: time.Minute,
		QueueDepth:   10,
	})

	interval := p.tick(context.Background())
	assert.Equal(t, time.Minute, interval)
}

func TestStaleSnapshotReplaced(t *testing.T) {
	pool := testPool(t)
	p := New(pool, Config{BusyInterval: time.Second, IdleInterval: time.Minute, QueueDepth: 10})

	first := types.QueueSnapshot{"a": {{ABI: "a", Package: "old", Version: "1"}}}
	second := types.QueueSnapshot{"a": {{ABI: "a", Package: "new", Version: "2"}}}
	p.publish(first)
	p.publish(second)

	snap := <-p.Snapshots()
	assert.Equal(t, "new", snap["a"][0].Package)

	select {
	case <-p.Snapshots():
		t.Fatal("stale snapshot left in channel")
	default:
	}
}

func TestKickCoalesces(t *testing.T) {
	pool := testPool(t)
	p := New(pool, Config{BusyInterval: time.Hour, IdleInterval: time.Hour, QueueDepth: 10})

	p.Kick()
	p.Kick() // must not block

	p.Start()
	defer p.Stop()

	select {
	case <-p.Snapshots():
	case <-time.After(5 * time.Second):
		t.Fatal("kick did not trigger a recompute")
	}
}
