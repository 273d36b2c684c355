package protocol

import (
	"time"

	"github.com/kilnworks/kiln/pkg/types"
)

// Version is the protocol revision carried in every HELLO. Builders and
// masters at different revisions refuse to talk (the master answers DIE).
const Version = "kiln-1.0"

// Timestamp is a wall-clock instant encoded as UTC epoch nanoseconds.
type Timestamp int64

// NewTimestamp converts a time.Time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().UnixNano())
}

// Time converts back to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

// Duration is a span encoded as an explicit (seconds, nanoseconds) pair so
// cross-language builders never mistake it for a bare integer.
type Duration struct {
	_     struct{} `cbor:",toarray"`
	Secs  int64
	Nanos int32
}

// NewDuration converts a time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{
		Secs:  int64(d / time.Second),
		Nanos: int32(d % time.Second),
	}
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
}

// Builder channel tags (remote builder <-> coordinator, strict REQ/REP).
const (
	TagHello = "HELLO"
	TagAck   = "ACK"
	TagIdle  = "IDLE"
	TagSleep = "SLEEP"
	TagDie   = "DIE"
	TagBye   = "BYE"
	TagBuild = "BUILD"
	TagBusy  = "BUSY"
	TagCont  = "CONT"
	TagDone  = "DONE"
	TagBuilt = "BUILT"
	TagSend  = "SEND"
	TagSent  = "SENT"
)

// File channel tags (builder <-> transfer server, windowed).
const (
	TagFetch = "FETCH"
	TagChunk = "CHUNK"
)

// Admin channel tags (local admin tools <-> admin endpoint).
const (
	TagImport  = "IMPORT"
	TagRemove  = "REMOVE"
	TagRebuild = "REBUILD"
	TagError   = "ERROR"
)

// Control/status channel tags (monitors <-> supervisor).
const (
	TagPause  = "PAUSE"
	TagResume = "RESUME"
	TagKill   = "KILL"
	TagQuit   = "QUIT"
	TagStats  = "STATS"
	TagSlave  = "SLAVE"
)

// Log-ingest channel tags.
const (
	TagLogDownload = "LOGDOWNLOAD"
	TagLogSearch   = "LOGSEARCH"
	TagLogProject  = "LOGPROJECT"
	TagLogJSON     = "LOGJSON"
	TagLogPage     = "LOGPAGE"
)

// BuilderStats is the self-reported health snapshot carried by IDLE and
// BUSY heartbeats.
type BuilderStats struct {
	_         struct{} `cbor:",toarray"`
	At        Timestamp
	DiskFree  int64
	DiskSize  int64
	MemFree   int64
	MemSize   int64
	SwapFree  int64
	SwapSize  int64
	LoadAvg   float64
	CPUTempC  float64
}

// Hello is the builder handshake payload.
type Hello struct {
	_             struct{} `cbor:",toarray"`
	Protocol      string
	MasterTimeout Duration
	PyVersionTag  string
	ABI           string
	Platform      string
	Label         string
	OSName        string
	OSVersion     string
	BoardRevision string
	BoardSerial   string
}

// Caps converts the handshake payload into domain capabilities.
func (h *Hello) Caps() types.BuilderCaps {
	return types.BuilderCaps{
		Protocol:      h.Protocol,
		PyVersionTag:  h.PyVersionTag,
		ABI:           h.ABI,
		Platform:      h.Platform,
		Label:         h.Label,
		OSName:        h.OSName,
		OSVersion:     h.OSVersion,
		BoardRevision: h.BoardRevision,
		BoardSerial:   h.BoardSerial,
		MasterTimeout: h.MasterTimeout.Std(),
	}
}

// Ack answers HELLO with the assigned slave id and the upstream index URL
// the builder should download sources from.
type Ack struct {
	_       struct{} `cbor:",toarray"`
	SlaveID int64
	PyPIURL string
}

// Idle is the heartbeat sent by a builder with nothing to do.
type Idle struct {
	_     struct{} `cbor:",toarray"`
	Stats BuilderStats
}

// Build instructs a builder to attempt (package, version).
type Build struct {
	_       struct{} `cbor:",toarray"`
	Package string
	Version string
}

// Busy is the heartbeat sent by a builder mid-compile.
type Busy struct {
	_     struct{} `cbor:",toarray"`
	Stats BuilderStats
}

// FileState describes one produced artifact inside a BUILT report.
type FileState struct {
	_              struct{} `cbor:",toarray"`
	Filename       string
	Filesize       int64
	Filehash       string
	PackageTag     string
	VersionTag     string
	PyVersionTag   string
	ABITag         string
	PlatformTag    string
	RequiresPython string
	Dependencies   []FileDep
}

// FileDep is one external dependency of a built file.
type FileDep struct {
	_          struct{} `cbor:",toarray"`
	Tool       string
	Dependency string
}

// File converts the wire form into the domain type.
func (f *FileState) File() *types.File {
	deps := make([]types.Dependency, len(f.Dependencies))
	for i, d := range f.Dependencies {
		deps[i] = types.Dependency{
			Filename:   f.Filename,
			Tool:       d.Tool,
			Dependency: d.Dependency,
		}
	}
	return &types.File{
		Filename:       f.Filename,
		Filesize:       f.Filesize,
		Filehash:       f.Filehash,
		PackageTag:     f.PackageTag,
		VersionTag:     f.VersionTag,
		PyVersionTag:   f.PyVersionTag,
		ABITag:         f.ABITag,
		PlatformTag:    f.PlatformTag,
		RequiresPython: f.RequiresPython,
		Dependencies:   deps,
	}
}

// Built reports the outcome of a build attempt.
type Built struct {
	_        struct{} `cbor:",toarray"`
	Status   bool
	Duration Duration
	Output   string
	Files    []FileState
}

// Send instructs the builder to stream one file over the file channel.
type Send struct {
	_        struct{} `cbor:",toarray"`
	Filename string
}

// TransferHello opens (or reclaims) a transfer on the file channel.
type TransferHello struct {
	_       struct{} `cbor:",toarray"`
	SlaveID int64
}

// Fetch asks the builder for a byte range of the file being transferred.
type Fetch struct {
	_      struct{} `cbor:",toarray"`
	Offset int64
	Length int64
}

// Chunk carries one byte range. Chunks may arrive out of order; the
// transfer server reassembles by offset.
type Chunk struct {
	_      struct{} `cbor:",toarray"`
	Offset int64
	Data   []byte
}

// Import registers a synthetic build through the admin channel.
type Import struct {
	_        struct{} `cbor:",toarray"`
	Package  string
	Version  string
	ABI      string
	Status   bool
	Duration Duration
	Output   string
	Files    []FileState
}

// Remove deletes a version, optionally leaving a skip reason that blocks
// future rebuilds.
type Remove struct {
	_       struct{} `cbor:",toarray"`
	Package string
	Version string
	Skip    string
}

// Rebuild enqueues index regeneration: Part is one of HOME, SEARCH,
// PROJECT or BOTH; an empty Package means all packages.
type Rebuild struct {
	_       struct{} `cbor:",toarray"`
	Part    string
	Package string
}

// Error carries a human-readable failure back to an admin or monitor.
type Error struct {
	_       struct{} `cbor:",toarray"`
	Message string
}

// Kill arms termination of one builder session.
type Kill struct {
	_       struct{} `cbor:",toarray"`
	SlaveID int64
}

// Stats is the composite statistics record published to monitors.
type Stats struct {
	_                   struct{} `cbor:",toarray"`
	At                  Timestamp
	PackagesBuilt       int64
	BuildsCount         int64
	BuildsCountSuccess  int64
	BuildsCountLastHour int64
	BuildsTime          Duration
	FilesCount          int64
	BuildsSize          int64
	DownloadsLastMonth  int64
	DownloadsAll        int64
	QueueSize           int64
	ActiveSlaves        int64
}

// SlaveEvent tells monitors about builder session changes.
type SlaveEvent struct {
	_       struct{} `cbor:",toarray"`
	SlaveID int64
	State   string
	Label   string
	ABI     string
	Package string
	Version string
}

// AccessRecord is one parsed web-log record on the log-ingest channel.
type AccessRecord struct {
	_                struct{} `cbor:",toarray"`
	Filename         string
	Package          string
	AccessedAt       Timestamp
	Host             string
	UserAgent        string
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

// Event converts the wire record into a domain access event.
func (a *AccessRecord) Event(kind types.AccessKind) *types.AccessEvent {
	return &types.AccessEvent{
		Kind:             kind,
		Filename:         a.Filename,
		Package:          a.Package,
		AccessedAt:       a.AccessedAt.Time(),
		Host:             a.Host,
		UserAgent:        a.UserAgent,
		Arch:             a.Arch,
		DistroName:       a.DistroName,
		DistroVersion:    a.DistroVersion,
		OSName:           a.OSName,
		OSVersion:        a.OSVersion,
		PyName:           a.PyName,
		PyVersion:        a.PyVersion,
		InstallerName:    a.InstallerName,
		InstallerVersion: a.InstallerVersion,
		Setter:           a.Setter,
	}
}

// BuilderRegistry returns the schema registry for the builder REQ/REP
// channel.
func BuilderRegistry() *Registry {
	r := NewRegistry("builder")
	r.Register(TagHello, func() any { return &Hello{} })
	r.Register(TagAck, func() any { return &Ack{} })
	r.Register(TagIdle, func() any { return &Idle{} })
	r.RegisterBare(TagSleep)
	r.RegisterBare(TagDie)
	r.RegisterBare(TagBye)
	r.Register(TagBuild, func() any { return &Build{} })
	r.Register(TagBusy, func() any { return &Busy{} })
	r.RegisterBare(TagCont)
	r.RegisterBare(TagDone)
	r.Register(TagBuilt, func() any { return &Built{} })
	r.Register(TagSend, func() any { return &Send{} })
	r.RegisterBare(TagSent)
	return r
}

// TransferRegistry returns the schema registry for the file channel.
func TransferRegistry() *Registry {
	r := NewRegistry("file")
	r.Register(TagHello, func() any { return &TransferHello{} })
	r.Register(TagFetch, func() any { return &Fetch{} })
	r.Register(TagChunk, func() any { return &Chunk{} })
	r.RegisterBare(TagDone)
	r.Register(TagError, func() any { return &Error{} })
	return r
}

// AdminRegistry returns the schema registry for the local admin channel.
func AdminRegistry() *Registry {
	r := NewRegistry("admin")
	r.Register(TagImport, func() any { return &Import{} })
	r.Register(TagRemove, func() any { return &Remove{} })
	r.Register(TagRebuild, func() any { return &Rebuild{} })
	r.Register(TagError, func() any { return &Error{} })
	r.RegisterBare(TagDone)
	return r
}

// ControlRegistry returns the schema registry for the monitor control and
// status channel.
func ControlRegistry() *Registry {
	r := NewRegistry("control")
	r.RegisterBare(TagHello)
	r.RegisterBare(TagPause)
	r.RegisterBare(TagResume)
	r.RegisterBare(TagQuit)
	r.Register(TagKill, func() any { return &Kill{} })
	r.Register(TagStats, func() any { return &Stats{} })
	r.Register(TagSlave, func() any { return &SlaveEvent{} })
	r.Register(TagError, func() any { return &Error{} })
	r.RegisterBare(TagAck)
	return r
}

// LogRegistry returns the schema registry for the log-ingest channel.
func LogRegistry() *Registry {
	r := NewRegistry("logingest")
	r.Register(TagLogDownload, func() any { return &AccessRecord{} })
	r.Register(TagLogSearch, func() any { return &AccessRecord{} })
	r.Register(TagLogProject, func() any { return &AccessRecord{} })
	r.Register(TagLogJSON, func() any { return &AccessRecord{} })
	r.Register(TagLogPage, func() any { return &AccessRecord{} })
	r.RegisterBare(TagAck)
	r.Register(TagError, func() any { return &Error{} })
	return r
}
