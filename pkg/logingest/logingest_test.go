package logingest

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
	"github.com/kilnworks/kiln/pkg/protocol"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newFixture(t *testing.T) (*db.Pool, *protocol.Conn) {
	t.Helper()
	store, err := db.Initialize(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	pool := db.NewPoolWithStores([]*db.Store{store}, 5*time.Second)
	t.Cleanup(pool.Close)

	srv := NewServer(pool)
	require.NoError(t, srv.Start("unix:"+filepath.Join(t.TempDir(), "log.sock")))
	t.Cleanup(srv.Stop)

	conn, err := protocol.Dial("unix:"+srv.Addr().String(), protocol.LogRegistry(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return pool, conn
}

func TestDownloadRecorded(t *testing.T) {
	pool, conn := newFixture(t)

	tag, _, err := conn.Request(protocol.TagLogDownload, &protocol.AccessRecord{
		Filename:   "pkg-1.0-py3-none-any.whl",
		AccessedAt: protocol.NewTimestamp(time.Now()),
		Host:       "203.0.113.9",
		UserAgent:  "pip/24.0",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagAck, tag)

	stats, err := pool.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DownloadsAll)
}

func TestEveryKindAccepted(t *testing.T) {
	_, conn := newFixture(t)

	record := func() *protocol.AccessRecord {
		return &protocol.AccessRecord{
			Filename:   "index.html",
			Package:    "pkg",
			AccessedAt: protocol.NewTimestamp(time.Now()),
			Host:       "203.0.113.9",
		}
	}
	for _, tag := range []string{
		protocol.TagLogSearch,
		protocol.TagLogProject,
		protocol.TagLogJSON,
		protocol.TagLogPage,
	} {
		reply, _, err := conn.Request(tag, record(), 5*time.Second)
		require.NoError(t, err, tag)
		assert.Equal(t, protocol.TagAck, reply, tag)
	}
}
