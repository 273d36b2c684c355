package stats

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeHome struct {
	mu   sync.Mutex
	last *types.Statistics
}

func (f *fakeHome) WriteHomePage(_ context.Context, stats *types.Statistics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = stats
	return nil
}

func (f *fakeHome) latest() *types.Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func testPool(t *testing.T) *db.Pool {
	t.Helper()
	store, err := db.Initialize(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	p := db.NewPoolWithStores([]*db.Store{store}, 5*time.Second)
	t.Cleanup(p.Close)

	ctx := context.Background()
	_, err = p.AddPackage(ctx, "pkg", "")
	require.NoError(t, err)
	_, err = p.AddVersion(ctx, "pkg", "1.0", time.Now())
	require.NoError(t, err)
	_, err = p.LogBuildSuccess(ctx, &types.Build{
		Package: "pkg", Version: "1.0", ABI: "cp311",
		BuiltAt: time.Now(), Duration: time.Minute, Status: true,
		Files: []*types.File{{
			Filename: "pkg-1.0-py3-none-any.whl",
			Filesize: 2048,
			Filehash: "cccc567890cccc567890cccc567890cccc567890cccc567890cccc567890cccc",
			ABITag:   types.ABINone,
		}},
	})
	require.NoError(t, err)
	return p
}

func TestTickAssemblesComposite(t *testing.T) {
	pool := testPool(t)
	home := &fakeHome{}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	c := New(pool, home, broker, Sources{
		QueueSizes:   func() map[string]int { return map[string]int{"cp311": 4} },
		ActiveSlaves: func() int { return 2 },
	}, time.Hour)

	c.tick(context.Background())

	stats := c.Last()
	require.NotNil(t, stats)
	assert.Equal(t, int64(1), stats.BuildsCount)
	assert.Equal(t, int64(1), stats.BuildsCountSuccess)
	assert.Equal(t, int64(1), stats.FilesCount)
	assert.Equal(t, map[string]int{"cp311": 4}, stats.QueueSizes)
	assert.Equal(t, 2, stats.ActiveSlaves)

	assert.Equal(t, stats, home.latest())

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventStatsUpdated, ev.Type)
		assert.Equal(t, stats, ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no stats event published")
	}
}

func TestStartTicksImmediately(t *testing.T) {
	pool := testPool(t)
	home := &fakeHome{}
	c := New(pool, home, nil, Sources{}, time.Hour)

	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return c.Last() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, home.latest())
}
