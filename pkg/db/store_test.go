package db

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Initialize(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUninitialized(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "empty.db"))
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestOpenAcceptsInitialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")
	s, err := Initialize(path)
	require.NoError(t, err)
	s.Close()

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestPyPISerialMonotonic(t *testing.T) {
	s := testStore(t)

	serial, err := s.GetPyPISerial()
	require.NoError(t, err)
	assert.Equal(t, int64(0), serial)

	require.NoError(t, s.SetPyPISerial(100))
	require.NoError(t, s.SetPyPISerial(100)) // equal is idempotent
	require.NoError(t, s.SetPyPISerial(250))

	// Going backwards must fail and leave the stored serial unchanged.
	err = s.SetPyPISerial(249)
	assert.ErrorIs(t, err, ErrIntegrity)

	serial, err = s.GetPyPISerial()
	require.NoError(t, err)
	assert.Equal(t, int64(250), serial)
}

func TestAddPackageIdempotent(t *testing.T) {
	s := testStore(t)

	added, err := s.AddPackage("Foo.Bar", "a package")
	require.NoError(t, err)
	assert.True(t, added)

	// Same canonical name, different spelling.
	added, err = s.AddPackage("foo-bar", "")
	require.NoError(t, err)
	assert.False(t, added)

	exists, err := s.PackageExists("FOO_BAR")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDisplayNameFollowsLatestAlias(t *testing.T) {
	s := testStore(t)
	_, err := s.AddPackage("foo-bar", "")
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddPackageName("foo-bar", "Foo.Bar", base))
	require.NoError(t, s.AddPackageName("foo-bar", "Foo_Bar", base.Add(time.Hour)))

	name, err := s.GetDisplayName("foo-bar")
	require.NoError(t, err)
	assert.Equal(t, "Foo_Bar", name)
}

func TestAddBuildABIRejectsNone(t *testing.T) {
	s := testStore(t)
	err := s.AddBuildABI(types.BuildABI{Tag: "none"})
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestVersionRequiresPackage(t *testing.T) {
	s := testStore(t)
	_, err := s.AddVersion("ghost", "1.0", time.Now())
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDeletePackageCascades(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	_, err := s.LogBuildSuccess(successBuild("p", "1.0", "a1", "a1"))
	require.NoError(t, err)

	require.NoError(t, s.DeletePackage("p"))

	files, err := s.GetPackageFiles("p")
	require.NoError(t, err)
	assert.Empty(t, files)

	exists, err := s.VersionExists("p", "1.0")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLogBuildSuccessRequiresFiles(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	build := successBuild("p", "1.0", "a1", "a1")
	build.Files = nil
	_, err := s.LogBuildSuccess(build)
	assert.ErrorIs(t, err, ErrIntegrity)

	// Failures carry no files.
	fail := successBuild("p", "1.0", "a1", "a1")
	fail.Status = false
	_, err = s.LogBuildFailure(fail)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestLogBuildSuccessThenGetPackageFiles(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	build := successBuild("p", "1.0", "a1", "a1")
	id, err := s.LogBuildSuccess(build)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	files, err := s.GetPackageFiles("p")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, build.Files[0].Filename, files[0].Filename)
	assert.Equal(t, build.Files[0].Filehash, files[0].Filehash)
	assert.Equal(t, id, files[0].BuildID)
}

func TestFileReplacedOnRebuild(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	first := successBuild("p", "1.0", "a1", "a1")
	first.Files[0].Dependencies = []types.Dependency{{Tool: "apt", Dependency: "libfoo"}}
	_, err := s.LogBuildSuccess(first)
	require.NoError(t, err)

	second := successBuild("p", "1.0", "a1", "a1")
	second.Files[0].Filehash = "replacedhash"
	id2, err := s.LogBuildSuccess(second)
	require.NoError(t, err)

	files, err := s.GetPackageFiles("p")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "replacedhash", files[0].Filehash)
	assert.Equal(t, id2, files[0].BuildID)

	// Old dependencies went with the old row.
	deps, err := s.GetFileDependencies(files[0].Filename, "a1")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestPreinstalledDepsSubtracted(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)
	require.NoError(t, s.AddPreinstalledApt("a1", "libatlas3-base"))

	build := successBuild("p", "1.0", "a1", "a1")
	build.Files[0].Dependencies = []types.Dependency{
		{Tool: "apt", Dependency: "libatlas3-base"},
		{Tool: "apt", Dependency: "libgfortran5"},
		{Tool: "pip", Dependency: "six"},
	}
	_, err := s.LogBuildSuccess(build)
	require.NoError(t, err)

	deps, err := s.GetFileDependencies(build.Files[0].Filename, "a1")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "libgfortran5", deps[0].Dependency)
	assert.Equal(t, "six", deps[1].Dependency)
}

func TestYankSurfacesInProjectData(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	require.NoError(t, s.YankVersion("p", "1.0"))

	data, err := s.GetProjectData("p")
	require.NoError(t, err)
	require.Len(t, data.Releases, 1)
	assert.True(t, data.Releases[0].Yanked)

	require.NoError(t, s.UnyankVersion("p", "1.0"))
	data, err = s.GetProjectData("p")
	require.NoError(t, err)
	assert.False(t, data.Releases[0].Yanked)
}

func TestProjectDataNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetProjectData("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRewritesPendingRoundTrip(t *testing.T) {
	s := testStore(t)

	in := []types.RewriteEntry{
		{Package: "numpy", AddedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), Command: types.RewriteBoth},
		{Package: "lxml", AddedAt: time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC), Command: types.RewriteProject},
	}
	require.NoError(t, s.SaveRewritesPending(in))

	out, err := s.LoadRewritesPending()
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Load drains: a second load returns nothing.
	out, err = s.LoadRewritesPending()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLogAccessAndStatistics(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	_, err := s.LogBuildSuccess(successBuild("p", "1.0", "a1", "a1"))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.LogAccess(&types.AccessEvent{
		Kind:       types.AccessDownload,
		Filename:   "p-1.0-py3-a1-linux_armv7l.whl",
		AccessedAt: now,
		Host:       "192.0.2.1",
		UserAgent:  "pip/24.0",
	}))
	require.NoError(t, s.LogAccess(&types.AccessEvent{
		Kind: types.AccessSearch, Package: "p", AccessedAt: now,
	}))

	stats, err := s.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PackagesBuilt)
	assert.Equal(t, int64(1), stats.BuildsCount)
	assert.Equal(t, int64(1), stats.BuildsCountSuccess)
	assert.Equal(t, int64(1), stats.FilesCount)
	assert.Equal(t, int64(1), stats.DownloadsAll)
	assert.Equal(t, int64(1), stats.DownloadsLastMonth)
}

// seedQueueFixture installs a minimal queue fixture: package p, version
// p==1.0 released 2024-01-01, ABIs a1 and a2.
func seedQueueFixture(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.AddPackage("p", "")
	require.NoError(t, err)
	_, err = s.AddVersion("p", "1.0", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, s.AddBuildABI(types.BuildABI{Tag: "a1"}))
	require.NoError(t, s.AddBuildABI(types.BuildABI{Tag: "a2"}))
}

// successBuild builds a minimal successful build record with one file
// tagged fileABI.
func successBuild(pkg, version, buildABI, fileABI string) *types.Build {
	return &types.Build{
		Package:  pkg,
		Version:  version,
		ABI:      buildABI,
		BuiltBy:  1,
		BuiltAt:  time.Now(),
		Duration: 90 * time.Second,
		Status:   true,
		Output:   "ok",
		Files: []*types.File{{
			Filename:     pkg + "-" + version + "-py3-" + fileABI + "-linux_armv7l.whl",
			Filesize:     1024,
			Filehash:     "deadbeef",
			PackageTag:   pkg,
			VersionTag:   version,
			PyVersionTag: "py3",
			ABITag:       fileABI,
			PlatformTag:  "linux_armv7l",
		}},
	}
}
