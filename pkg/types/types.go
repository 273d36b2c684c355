package types

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Package represents one project known from the upstream index.
type Package struct {
	Name        string // canonical (normalized) name
	Skip        string // non-empty disables all builds, human readable reason
	Description string
}

// Version represents one released version of a package.
type Version struct {
	Package  string
	Version  string
	Released time.Time
	Skip     string
	Yanked   bool
}

// BuildABI identifies a compilation target (interpreter + OS tag).
// The reserved tag "none" never appears as a BuildABI; it only appears on
// produced files and means "compatible with every ABI".
type BuildABI struct {
	Tag         string
	Skip        string
	Description string
}

// ABINone is the sentinel file tag for a pure (universal) artifact.
const ABINone = "none"

// Build records one build attempt against (package, version, abi).
type Build struct {
	ID       int64
	Package  string
	Version  string
	ABI      string
	BuiltBy  int64 // slave id that produced it
	BuiltAt  time.Time
	Duration time.Duration
	Status   bool // true = success
	Output   string
	Files    []*File
}

// File is one artifact produced by a successful build. Filename is the
// primary key across the whole farm; a rebuild of the same filename
// replaces the old row.
type File struct {
	Filename       string
	BuildID        int64
	Filesize       int64
	Filehash       string // SHA-256, lowercase hex
	PackageTag     string
	VersionTag     string
	PyVersionTag   string
	ABITag         string
	PlatformTag    string
	RequiresPython string
	Dependencies   []Dependency
}

// Dependency is one external requirement of a built file. Tool is drawn
// from a closed set: "apt", "pip" or "" (unspecified).
type Dependency struct {
	Filename   string
	Tool       string
	Dependency string
}

// QueueEntry is one row of the derived pending-build queue.
type QueueEntry struct {
	ABI      string
	Package  string
	Version  string
	Position int
}

// QueueSnapshot is the planner's published view of the pending queue,
// keyed by ABI, ordered oldest release first.
type QueueSnapshot map[string][]QueueEntry

// Size returns the total number of entries across all ABIs.
func (q QueueSnapshot) Size() int {
	n := 0
	for _, entries := range q {
		n += len(entries)
	}
	return n
}

// BuilderCaps is the capability set a builder reports at handshake.
type BuilderCaps struct {
	Protocol      string        // protocol revision, must match the master's
	PyVersionTag  string        // e.g. cp311
	ABI           string        // e.g. cp311m
	Platform      string        // e.g. linux_armv7l
	Label         string        // operator-assigned builder name
	OSName        string
	OSVersion     string
	BoardRevision string
	BoardSerial   string
	MasterTimeout time.Duration // builder resets after this long without a reply
}

// SlaveState enumerates the builder session states.
type SlaveState string

const (
	SlaveHandshake SlaveState = "handshake"
	SlaveIdle      SlaveState = "idle"
	SlaveBuilding  SlaveState = "building"
	SlaveSending   SlaveState = "sending"
	SlaveGoodbye   SlaveState = "goodbye"
)

// RewriteCommand tells the renderer how much of a package's pages to rewrite.
type RewriteCommand string

const (
	// RewriteProject rewrites only the project page and JSON document.
	RewriteProject RewriteCommand = "PROJECT"
	// RewriteBoth also rewrites the package's simple-index page.
	RewriteBoth RewriteCommand = "BOTH"
)

// RewriteEntry is one persisted element of the render-debounce set.
type RewriteEntry struct {
	Package string
	AddedAt time.Time
	Command RewriteCommand
}

// ProjectData is everything the renderer needs for one package.
type ProjectData struct {
	Name        string
	DisplayName string
	Description string
	Skip        string
	Releases    []*ReleaseData
}

// ReleaseData is one version of a project as rendered.
type ReleaseData struct {
	Version  string
	Released time.Time
	Skip     string
	Yanked   bool
	Files    []*File
}

// Statistics is the composite published by the stats task.
type Statistics struct {
	PackagesBuilt       int64
	BuildsCount         int64
	BuildsCountSuccess  int64
	BuildsCountLastHour int64
	BuildsTime          time.Duration
	FilesCount          int64
	BuildsSize          int64
	DownloadsLastMonth  int64
	DownloadsAll        int64
	QueueSizes          map[string]int
	ActiveSlaves        int
}

// SearchEntry is one row of the rendered search index.
type SearchEntry struct {
	Package   string
	Downloads int64
}

// AccessKind classifies an ingested access-log record.
type AccessKind string

const (
	AccessDownload AccessKind = "download"
	AccessSearch   AccessKind = "search"
	AccessProject  AccessKind = "project"
	AccessJSON     AccessKind = "json"
	AccessPage     AccessKind = "page"
)

// AccessEvent is one parsed web-server log record.
type AccessEvent struct {
	Kind       AccessKind
	Filename   string // download: artifact filename; page kinds: page name
	Package    string // search/project/json
	AccessedAt time.Time
	Host       string
	UserAgent  string

	// Client attributes parsed from the user agent, all optional.
	Arch             string
	DistroName       string
	DistroVersion    string
	OSName           string
	OSVersion        string
	PyName           string
	PyVersion        string
	InstallerName    string
	InstallerVersion string
	Setter           string
}

var normalizeRe = regexp.MustCompile(`[-_.]+`)

// NormalizePackageName canonicalizes a package name the way the upstream
// index does: case folded, runs of ".", "-" and "_" collapsed to "-".
func NormalizePackageName(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}

// BuildLogPath returns the archive path of a build log relative to the
// output root: zero-padded build id split into three groups of four
// digits, e.g. logs/0000/0012/3456.txt.gz for build 123456.
func BuildLogPath(buildID int64) string {
	digits := make([]byte, 12)
	id := buildID
	for i := 11; i >= 0; i-- {
		digits[i] = byte('0' + id%10)
		id /= 10
	}
	return filepath.Join("logs",
		string(digits[0:4]), string(digits[4:8]), string(digits[8:12])+".txt.gz")
}
