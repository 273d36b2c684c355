package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/types"
)

// Scenario: fresh database with one version and two ABIs. Only the
// lexicographically smallest ABI gets the pair.
func TestPendingQueueFresh(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Len(t, queue["a1"], 1)
	assert.Equal(t, "p", queue["a1"][0].Package)
	assert.Equal(t, "1.0", queue["a1"][0].Version)
	assert.Equal(t, 1, queue["a1"][0].Position)
	assert.Empty(t, queue["a2"])
}

// Scenario: a successful build producing a universal ("none") artifact
// satisfies every ABI at once.
func TestPendingQueueUniversalArtifact(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	_, err := s.LogBuildSuccess(successBuild("p", "1.0", "a1", types.ABINone))
	require.NoError(t, err)

	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

// Scenario: a file tagged a1 satisfies only a1; a2 still needs a build.
func TestPendingQueueSpecificArtifact(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	_, err := s.LogBuildSuccess(successBuild("p", "1.0", "a1", "a1"))
	require.NoError(t, err)

	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	require.Len(t, queue["a2"], 1)
	assert.Equal(t, "p", queue["a2"][0].Package)
	assert.Empty(t, queue["a1"])
}

// Scenario: a failed attempt settles its ABI without satisfying others.
func TestPendingQueueFailureDoesNotRequeue(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	fail := successBuild("p", "1.0", "a1", "a1")
	fail.Status = false
	fail.Files = nil
	_, err := s.LogBuildFailure(fail)
	require.NoError(t, err)

	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	assert.Empty(t, queue["a1"])
	require.Len(t, queue["a2"], 1)
	assert.Equal(t, "p", queue["a2"][0].Package)
}

// Invariant: no (package, version) pair appears more than once across the
// whole snapshot, whatever the ABI spread.
func TestPendingQueueExclusivity(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)
	_, err := s.AddPackage("q", "")
	require.NoError(t, err)
	_, err = s.AddVersion("q", "2.0", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, s.AddBuildABI(types.BuildABI{Tag: "a3"}))

	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, entries := range queue {
		for _, e := range entries {
			seen[e.Package+"=="+e.Version]++
		}
	}
	for pair, count := range seen {
		assert.Equal(t, 1, count, "pair %s appeared %d times", pair, count)
	}
}

// Invariant: recomputing without intervening mutation returns the
// identical ordered snapshot.
func TestPendingQueueIdempotent(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)
	for i, pkg := range []string{"alpha", "beta", "gamma"} {
		_, err := s.AddPackage(pkg, "")
		require.NoError(t, err)
		_, err = s.AddVersion(pkg, "1.0",
			time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
	}

	first, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	second, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// Queue ordering within an ABI is oldest release first with positions
// assigned from one.
func TestPendingQueueOrderedByRelease(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AddBuildABI(types.BuildABI{Tag: "a1"}))
	releases := []struct {
		pkg string
		at  time.Time
	}{
		{"newest", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"oldest", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"middle", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, r := range releases {
		_, err := s.AddPackage(r.pkg, "")
		require.NoError(t, err)
		_, err = s.AddVersion(r.pkg, "1.0", r.at)
		require.NoError(t, err)
	}

	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	entries := queue["a1"]
	require.Len(t, entries, 3)
	assert.Equal(t, "oldest", entries[0].Package)
	assert.Equal(t, "middle", entries[1].Package)
	assert.Equal(t, "newest", entries[2].Package)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Position)
	}
}

// The per-ABI limit truncates positions beyond K.
func TestPendingQueueLimit(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AddBuildABI(types.BuildABI{Tag: "a1"}))
	for i, pkg := range []string{"one", "two", "three", "four"} {
		_, err := s.AddPackage(pkg, "")
		require.NoError(t, err)
		_, err = s.AddVersion(pkg, "1.0",
			time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
	}

	queue, err := s.GetPendingQueue(2)
	require.NoError(t, err)
	require.Len(t, queue["a1"], 2)
	assert.Equal(t, "one", queue["a1"][0].Package)
	assert.Equal(t, "two", queue["a1"][1].Package)
}

// Skipped packages, versions and ABIs never enter the queue.
func TestPendingQueueRespectsSkips(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	require.NoError(t, s.SkipPackage("p", "legal takedown"))
	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	assert.Empty(t, queue)

	require.NoError(t, s.SkipPackage("p", ""))
	require.NoError(t, s.SkipVersion("p", "1.0", "requires unreleased toolchain"))
	queue, err = s.GetPendingQueue(10)
	require.NoError(t, err)
	assert.Empty(t, queue)

	require.NoError(t, s.SkipVersion("p", "1.0", ""))
	require.NoError(t, s.AddBuildABI(types.BuildABI{Tag: "a1", Skip: "image retired"}))
	queue, err = s.GetPendingQueue(10)
	require.NoError(t, err)
	assert.Empty(t, queue["a1"])
	require.Len(t, queue["a2"], 1)
}

// Settled state: once a build is recorded for an ABI the triple stays out
// of later snapshots for that ABI, and the pair moves to the next ABI.
func TestPendingQueueSettled(t *testing.T) {
	s := testStore(t)
	seedQueueFixture(t, s)

	fail := successBuild("p", "1.0", "a1", "a1")
	fail.Status = false
	fail.Files = nil
	_, err := s.LogBuildFailure(fail)
	require.NoError(t, err)

	fail2 := successBuild("p", "1.0", "a2", "a2")
	fail2.Status = false
	fail2.Files = nil
	_, err = s.LogBuildFailure(fail2)
	require.NoError(t, err)

	queue, err := s.GetPendingQueue(10)
	require.NoError(t, err)
	assert.Empty(t, queue)
}
