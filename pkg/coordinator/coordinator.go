package coordinator

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/transfer"
	"github.com/kilnworks/kiln/pkg/types"
)

// Config holds the coordinator's tunables.
type Config struct {
	// PyPIURL is handed to builders at handshake; they download source
	// distributions from it directly.
	PyPIURL string

	// OutputPath is the web root; build logs are archived beneath it.
	OutputPath string

	// DefaultTimeout is the liveness deadline for sessions until the
	// builder reports its own master timeout at handshake.
	DefaultTimeout time.Duration

	// SweepInterval is the cadence of the liveness sweep.
	SweepInterval time.Duration
}

// RenderNotify asks the renderer to rewrite a package's pages.
type RenderNotify func(pkg string, cmd types.RewriteCommand)

// Coordinator is the protocol endpoint for remote builders. It tracks one
// session per connected builder, drives the build state machine, records
// results and hands files over to the transfer server.
type Coordinator struct {
	cfg      Config
	pool     *db.Pool
	transfer *transfer.Server
	broker   *events.Broker
	notify   RenderNotify
	logger   zerolog.Logger
	srv      *protocol.Server

	mu       sync.Mutex
	sessions map[int64]*session
	nextID   int64
	queue    types.QueueSnapshot
	inflight map[buildKey]bool
	paused   bool

	snapshots <-chan types.QueueSnapshot
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type buildKey struct {
	abi     string
	pkg     string
	version string
}

// session is the transient per-builder state. It is deliberately not
// persisted: builders re-handshake after a master restart.
type session struct {
	id        int64
	caps      types.BuilderCaps
	timeout   time.Duration
	state     types.SlaveState
	pkg       string
	version   string
	buildID   int64
	files     []*types.File // remaining transfers, current first
	attempts  int           // consecutive hash failures on the current file
	killed    bool
	firstSeen time.Time
	lastSeen  time.Time
	stats     protocol.BuilderStats
}

// SlaveInfo is a read-only view of one session, for monitors and stats.
type SlaveInfo struct {
	ID        int64
	Label     string
	ABI       string
	Platform  string
	State     types.SlaveState
	Package   string
	Version   string
	FirstSeen time.Time
	LastSeen  time.Time
}

// New creates a coordinator. snapshots carries the planner's queue views;
// notify and broker may be nil.
func New(cfg Config, pool *db.Pool, ts *transfer.Server, broker *events.Broker,
	notify RenderNotify, snapshots <-chan types.QueueSnapshot) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		pool:      pool,
		transfer:  ts,
		broker:    broker,
		notify:    notify,
		logger:    log.WithComponent("coordinator"),
		sessions:  make(map[int64]*session),
		queue:     make(types.QueueSnapshot),
		inflight:  make(map[buildKey]bool),
		snapshots: snapshots,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	c.srv = protocol.NewServer("coordinator", protocol.BuilderRegistry(), c.handle)
	c.srv.OnClose = c.onClose
	return c
}

// Start binds the builder channel and launches the housekeeping loop.
func (c *Coordinator) Start(addr string) error {
	if err := c.srv.Start(addr); err != nil {
		return err
	}
	go c.loop()
	return nil
}

// Addr returns the bound listener address.
func (c *Coordinator) Addr() net.Addr {
	return c.srv.Addr()
}

// Stop closes the builder channel and stops housekeeping. Sessions are
// dropped; builders will re-handshake on restart.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.srv.Stop()
	<-c.doneCh
}

// Pause makes the coordinator answer SLEEP to every IDLE until Resume.
// Builds already dispatched run to completion.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.logger.Info().Msg("dispatch paused")
}

// Resume re-enables dispatch.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.logger.Info().Msg("dispatch resumed")
}

// Drain stops dispatch and waits for in-flight builds to settle, up to
// the given timeout. A session counts as settled once it is neither
// building nor sending; the liveness sweep keeps running, so a builder
// that went quiet settles when its session expires.
func (c *Coordinator) Drain(timeout time.Duration) {
	c.Pause()
	if timeout <= 0 || !c.busy() {
		return
	}
	c.logger.Info().Dur("timeout", timeout).Msg("draining in-flight builds")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if !c.busy() {
				c.logger.Info().Msg("drain complete")
				return
			}
		case <-deadline.C:
			c.logger.Warn().Msg("drain timed out with builds still in flight")
			return
		case <-c.stopCh:
			return
		}
	}
}

// busy reports whether any session is mid-build or mid-transfer.
func (c *Coordinator) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.state == types.SlaveBuilding || s.state == types.SlaveSending {
			return true
		}
	}
	return false
}

// Kill arms termination for a builder: the next IDLE is answered DIE, a
// BUSY heartbeat is answered DONE so the build aborts.
func (c *Coordinator) Kill(slaveID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[slaveID]
	if !ok {
		return fmt.Errorf("no such slave %d", slaveID)
	}
	sess.killed = true
	c.logger.Info().Int64("slave", slaveID).Msg("kill armed")
	return nil
}

// Slaves returns a snapshot of every live session.
func (c *Coordinator) Slaves() []SlaveInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SlaveInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, SlaveInfo{
			ID:        s.id,
			Label:     s.caps.Label,
			ABI:       s.caps.ABI,
			Platform:  s.caps.Platform,
			State:     s.state,
			Package:   s.pkg,
			Version:   s.version,
			FirstSeen: s.firstSeen,
			LastSeen:  s.lastSeen,
		})
	}
	return out
}

// loop consumes queue snapshots and runs the liveness sweep.
func (c *Coordinator) loop() {
	defer close(c.doneCh)
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case snap := <-c.snapshots:
			c.mu.Lock()
			c.queue = snap
			c.mu.Unlock()
		case <-sweep.C:
			c.expireStale()
		case <-c.stopCh:
			return
		}
	}
}

// expireStale discards sessions that have gone quiet past their timeout.
// Their in-flight work becomes eligible for rescheduling; the slave id is
// never reused.
func (c *Coordinator) expireStale() {
	now := time.Now()
	c.mu.Lock()
	var expired []*session
	for id, sess := range c.sessions {
		if now.Sub(sess.lastSeen) > sess.timeout {
			c.freeInflight(sess)
			delete(c.sessions, id)
			expired = append(expired, sess)
		}
	}
	c.updateSlaveMetrics()
	c.mu.Unlock()

	for _, sess := range expired {
		c.transfer.Abort(sess.id)
		c.logger.Warn().
			Int64("slave", sess.id).
			Str("state", string(sess.state)).
			Dur("quiet", now.Sub(sess.lastSeen)).
			Msg("session expired")
		c.publish(events.EventSlaveExpired, sess, "")
	}
}

// dispatch pops the next queue entry the session's ABI can serve. Caller
// holds the lock.
func (c *Coordinator) dispatch(sess *session) (types.QueueEntry, bool) {
	for _, entry := range c.queue[sess.caps.ABI] {
		key := buildKey{abi: entry.ABI, pkg: entry.Package, version: entry.Version}
		if c.inflight[key] {
			continue
		}
		c.inflight[key] = true
		return entry, true
	}
	return types.QueueEntry{}, false
}

// freeInflight releases the session's claimed queue entry. Caller holds
// the lock.
func (c *Coordinator) freeInflight(sess *session) {
	if sess.pkg == "" {
		return
	}
	delete(c.inflight, buildKey{abi: sess.caps.ABI, pkg: sess.pkg, version: sess.version})
	sess.pkg = ""
	sess.version = ""
}

// updateSlaveMetrics recomputes the per-state session gauge. Caller holds
// the lock.
func (c *Coordinator) updateSlaveMetrics() {
	counts := map[types.SlaveState]int{
		types.SlaveIdle:     0,
		types.SlaveBuilding: 0,
		types.SlaveSending:  0,
	}
	for _, s := range c.sessions {
		counts[s.state]++
	}
	for state, n := range counts {
		metrics.SlavesTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

// publish emits a monitor event for the session. Callers have released
// the lock by now, and the liveness sweep may clear the session's claim
// concurrently, so the fields are snapshotted under the lock first.
func (c *Coordinator) publish(typ events.EventType, sess *session, msg string) {
	if c.broker == nil {
		return
	}
	c.mu.Lock()
	ev := &events.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		SlaveID:   sess.id,
		Package:   sess.pkg,
		Version:   sess.version,
		Message:   msg,
	}
	c.mu.Unlock()
	c.broker.Publish(ev)
}

// onClose runs when a builder connection ends. The session survives; it
// is reclaimed by the liveness sweep unless the builder reconnects first
// with a fresh HELLO.
func (c *Coordinator) onClose(sc *protocol.ServerConn) {
	id, ok := sc.Session.(int64)
	if !ok {
		return
	}
	c.logger.Debug().Int64("slave", id).Msg("builder connection closed")
}
