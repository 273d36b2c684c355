package admin

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
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type recordingRenderer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRenderer) Rebuild(_ context.Context, part, pkg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, part+":"+pkg)
	return nil
}

func (r *recordingRenderer) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	client   *Client
	pool     *db.Pool
	renderer *recordingRenderer

	mu       sync.Mutex
	notified []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Initialize(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	pool := db.NewPoolWithStores([]*db.Store{store}, 5*time.Second)
	t.Cleanup(pool.Close)

	f := &fixture{pool: pool, renderer: &recordingRenderer{}}
	srv := NewServer(pool, f.renderer, func(pkg string, cmd types.RewriteCommand) {
		f.mu.Lock()
		f.notified = append(f.notified, pkg+":"+string(cmd))
		f.mu.Unlock()
	})
	require.NoError(t, srv.Start("unix:"+filepath.Join(t.TempDir(), "admin.sock")))
	t.Cleanup(srv.Stop)

	client, err := DialClient("unix:"+srv.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	f.client = client
	return f
}

func (f *fixture) notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

func TestImportSuccess(t *testing.T) {
	f := newFixture(t)

	err := f.client.Import(&protocol.Import{
		Package:  "My_Package",
		Version:  "2.0",
		ABI:      "cp311",
		Status:   true,
		Duration: protocol.NewDuration(time.Minute),
		Output:   "imported externally",
		Files: []protocol.FileState{{
			Filename:   "my_package-2.0-cp311-cp311-linux_armv7l.whl",
			Filesize:   1024,
			Filehash:   "bbbb567890bbbb567890bbbb567890bbbb567890bbbb567890bbbb567890bbbb",
			PackageTag: "my_package",
			VersionTag: "2.0",
			ABITag:     "cp311",
		}},
	})
	require.NoError(t, err)

	files, err := f.pool.GetPackageFiles(context.Background(), "my-package")
	require.NoError(t, err)
	require.Len(t, files, 1)

	assert.Equal(t, []string{"my-package:BOTH"}, f.notifications())
}

func TestImportSuccessNeedsFiles(t *testing.T) {
	f := newFixture(t)

	err := f.client.Import(&protocol.Import{
		Package: "pkg",
		Version: "1.0",
		ABI:     "cp311",
		Status:  true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one file")
	assert.Empty(t, f.notifications())
}

func TestImportFailureNeedsNoFiles(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.Import(&protocol.Import{
		Package: "pkg",
		Version: "1.0",
		ABI:     "cp311",
		Status:  false,
		Output:  "known broken",
	}))
	// Failed imports settle the build without touching the pages.
	assert.Empty(t, f.notifications())
}

func TestRemoveDeletesVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pool.AddPackage(ctx, "pkg", "")
	require.NoError(t, err)
	_, err = f.pool.AddVersion(ctx, "pkg", "1.0", time.Now())
	require.NoError(t, err)

	require.NoError(t, f.client.Remove("pkg", "1.0", ""))

	ok, err := f.pool.VersionExists(ctx, "pkg", "1.0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveWithSkipLeavesTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pool.AddPackage(ctx, "pkg", "")
	require.NoError(t, err)
	_, err = f.pool.AddVersion(ctx, "pkg", "1.0", time.Now())
	require.NoError(t, err)

	require.NoError(t, f.client.Remove("pkg", "1.0", "license issue"))

	ok, err := f.pool.VersionExists(ctx, "pkg", "1.0")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := f.pool.GetProjectData(ctx, "pkg")
	require.NoError(t, err)
	require.Len(t, data.Releases, 1)
	assert.Equal(t, "license issue", data.Releases[0].Skip)
}

func TestRemoveMissingVersionSurfacesError(t *testing.T) {
	f := newFixture(t)
	err := f.client.Remove("ghost", "1.0", "")
	require.Error(t, err)

	// The connection survives an ERROR reply.
	require.NoError(t, f.client.Rebuild("HOME", ""))
}

func TestRebuildDispatch(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.Rebuild("HOME", ""))
	require.NoError(t, f.client.Rebuild("SEARCH", ""))
	require.NoError(t, f.client.Rebuild("BOTH", "Pkg_Name"))
	assert.Equal(t, []string{"HOME:", "SEARCH:", "BOTH:pkg-name"}, f.renderer.all())

	err := f.client.Rebuild("HOME", "pkg")
	require.Error(t, err)
	err = f.client.Rebuild("EVERYTHING", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rebuild part")
}
