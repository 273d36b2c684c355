package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/types"
)

// maxSendAttempts bounds consecutive hash failures for one file before
// the build is recorded as failed and the session dropped.
const maxSendAttempts = 3

// handle drives the builder state machine. One message in, one reply out;
// a returned error tears the connection down.
func (c *Coordinator) handle(sc *protocol.ServerConn, tag string, payload any) (string, any, error) {
	if tag == protocol.TagHello {
		return c.onHello(sc, payload.(*protocol.Hello))
	}

	id, ok := sc.Session.(int64)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s before HELLO", protocol.ErrProtocol, tag)
	}

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		// Session expired while the connection lived on; the builder
		// must re-handshake.
		return protocol.TagDie, nil, nil
	}
	sess.lastSeen = time.Now()

	switch tag {
	case protocol.TagIdle:
		return c.onIdle(sess, payload.(*protocol.Idle))
	case protocol.TagBusy:
		return c.onBusy(sess, payload.(*protocol.Busy))
	case protocol.TagBuilt:
		return c.onBuilt(sess, payload.(*protocol.Built))
	case protocol.TagSent:
		return c.onSent(sess)
	case protocol.TagBye:
		return c.onBye(sess)
	default:
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: unexpected %s in state %s", protocol.ErrProtocol, tag, sess.state)
	}
}

// onHello allocates a fresh session. Slave ids are monotonic and never
// reused, so a reconnecting builder always gets a new one.
func (c *Coordinator) onHello(sc *protocol.ServerConn, hello *protocol.Hello) (string, any, error) {
	if hello.Protocol != protocol.Version {
		c.logger.Warn().
			Str("got", hello.Protocol).
			Str("want", protocol.Version).
			Msg("builder protocol mismatch")
		return protocol.TagDie, nil, nil
	}

	caps := hello.Caps()
	timeout := caps.MasterTimeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	c.mu.Lock()
	c.nextID++
	sess := &session{
		id:        c.nextID,
		caps:      caps,
		timeout:   timeout,
		state:     types.SlaveIdle,
		firstSeen: time.Now(),
		lastSeen:  time.Now(),
	}
	c.sessions[sess.id] = sess
	c.updateSlaveMetrics()
	c.mu.Unlock()

	sc.Session = sess.id
	c.logger.Info().
		Int64("slave", sess.id).
		Str("label", caps.Label).
		Str("abi", caps.ABI).
		Str("platform", caps.Platform).
		Msg("builder joined")
	c.publish(events.EventSlaveJoined, sess, caps.Label)

	return protocol.TagAck, &protocol.Ack{SlaveID: sess.id, PyPIURL: c.cfg.PyPIURL}, nil
}

// onIdle consults the queue for the session's ABI. Called with the lock
// held; releases it.
func (c *Coordinator) onIdle(sess *session, idle *protocol.Idle) (string, any, error) {
	sess.stats = idle.Stats

	if sess.killed {
		delete(c.sessions, sess.id)
		sess.state = types.SlaveGoodbye
		c.updateSlaveMetrics()
		c.mu.Unlock()
		c.logger.Info().Int64("slave", sess.id).Msg("builder dismissed")
		c.publish(events.EventSlaveLeft, sess, "killed")
		return protocol.TagDie, nil, nil
	}

	if c.paused {
		sess.state = types.SlaveIdle
		c.mu.Unlock()
		return protocol.TagSleep, nil, nil
	}

	entry, ok := c.dispatch(sess)
	if !ok {
		sess.state = types.SlaveIdle
		c.updateSlaveMetrics()
		c.mu.Unlock()
		return protocol.TagSleep, nil, nil
	}

	sess.state = types.SlaveBuilding
	sess.pkg = entry.Package
	sess.version = entry.Version
	c.updateSlaveMetrics()
	c.mu.Unlock()

	c.logger.Info().
		Int64("slave", sess.id).
		Str("package", entry.Package).
		Str("version", entry.Version).
		Str("abi", entry.ABI).
		Msg("build dispatched")
	c.publish(events.EventSlaveBuilding, sess, "")

	return protocol.TagBuild, &protocol.Build{Package: entry.Package, Version: entry.Version}, nil
}

// onBusy answers a mid-build heartbeat. Called with the lock held;
// releases it.
func (c *Coordinator) onBusy(sess *session, busy *protocol.Busy) (string, any, error) {
	sess.stats = busy.Stats

	if sess.state != types.SlaveBuilding {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: BUSY in state %s", protocol.ErrProtocol, sess.state)
	}
	if sess.killed {
		// DONE makes the builder abort and clean up; it acknowledges by
		// coming back IDLE (where it is answered DIE).
		c.freeInflight(sess)
		sess.state = types.SlaveIdle
		c.updateSlaveMetrics()
		c.mu.Unlock()
		c.logger.Info().Int64("slave", sess.id).Msg("build aborted for kill")
		return protocol.TagDone, nil, nil
	}
	c.mu.Unlock()
	return protocol.TagCont, nil, nil
}

// onBuilt records the build result. Called with the lock held; releases
// it before touching the database.
func (c *Coordinator) onBuilt(sess *session, built *protocol.Built) (string, any, error) {
	if sess.state != types.SlaveBuilding {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: BUILT in state %s", protocol.ErrProtocol, sess.state)
	}
	pkg, version := sess.pkg, sess.version
	c.mu.Unlock()

	build := &types.Build{
		Package:  pkg,
		Version:  version,
		ABI:      sess.caps.ABI,
		BuiltBy:  sess.id,
		BuiltAt:  time.Now().UTC(),
		Duration: built.Duration.Std(),
		Status:   built.Status,
		Output:   built.Output,
	}
	for _, fs := range built.Files {
		build.Files = append(build.Files, fs.File())
	}

	id, err := c.record(build)
	if err != nil {
		return "", nil, err
	}
	c.archiveLog(id, built.Output)

	c.mu.Lock()
	sess.buildID = id
	if build.Status && len(build.Files) > 0 {
		sess.state = types.SlaveSending
		sess.files = build.Files
		sess.attempts = 0
		file := sess.files[0]
		c.updateSlaveMetrics()
		c.mu.Unlock()
		c.transfer.Expect(sess.id, pkg, file)
		return protocol.TagSend, &protocol.Send{Filename: file.Filename}, nil
	}

	// Failure (or success downgraded by an integrity error): the attempt
	// is settled in the database, so the queue will not return it.
	c.freeInflight(sess)
	sess.state = types.SlaveIdle
	c.updateSlaveMetrics()
	c.mu.Unlock()
	c.publish(events.EventSlaveIdle, sess, "")
	return protocol.TagDone, nil, nil
}

// record writes the build through the pool. An integrity rejection of a
// success (builder lied about its files) converts the result into a
// recorded failure rather than dropping it.
func (c *Coordinator) record(build *types.Build) (int64, error) {
	ctx := context.Background()

	var (
		id  int64
		err error
	)
	if build.Status {
		id, err = c.pool.LogBuildSuccess(ctx, build)
		if errors.Is(err, db.ErrIntegrity) {
			c.logger.Warn().
				Str("package", build.Package).
				Str("version", build.Version).
				Err(err).
				Msg("success rejected by store, recording failure")
			build.Status = false
			build.Files = nil
			id, err = c.pool.LogBuildFailure(ctx, build)
		}
	} else {
		id, err = c.pool.LogBuildFailure(ctx, build)
	}
	if err != nil {
		return 0, fmt.Errorf("record build %s %s: %w", build.Package, build.Version, err)
	}

	status := "failed"
	if build.Status {
		status = "succeeded"
	}
	metrics.BuildsTotal.WithLabelValues(status).Inc()
	metrics.BuildDuration.Observe(build.Duration.Seconds())
	c.logger.Info().
		Int64("build", id).
		Str("package", build.Package).
		Str("version", build.Version).
		Str("abi", build.ABI).
		Bool("status", build.Status).
		Dur("duration", build.Duration).
		Msg("build recorded")
	if c.broker != nil {
		c.broker.Publish(&events.Event{
			Type:      events.EventBuildRecorded,
			Timestamp: time.Now().UTC(),
			SlaveID:   build.BuiltBy,
			Package:   build.Package,
			Version:   build.Version,
			Data:      build.Status,
		})
	}
	return id, nil
}

// onSent checks the transfer verdict for the current file. Called with
// the lock held; releases it.
func (c *Coordinator) onSent(sess *session) (string, any, error) {
	if sess.state != types.SlaveSending || len(sess.files) == 0 {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: SENT in state %s", protocol.ErrProtocol, sess.state)
	}
	current := sess.files[0]
	pkg := sess.pkg
	c.mu.Unlock()

	finished, verified := c.transfer.TakeResult(sess.id)
	if !finished || !verified {
		return c.resend(sess, pkg, current)
	}

	c.mu.Lock()
	sess.files = sess.files[1:]
	sess.attempts = 0
	if len(sess.files) > 0 {
		next := sess.files[0]
		c.mu.Unlock()
		c.transfer.Expect(sess.id, pkg, next)
		return protocol.TagSend, &protocol.Send{Filename: next.Filename}, nil
	}

	// Everything landed; the package's pages need both the simple index
	// and the project page rewritten.
	c.freeInflight(sess)
	sess.state = types.SlaveIdle
	c.updateSlaveMetrics()
	c.mu.Unlock()

	if c.notify != nil {
		c.notify(pkg, types.RewriteBoth)
	}
	c.publish(events.EventSlaveIdle, sess, "")
	return protocol.TagDone, nil, nil
}

// resend re-issues SEND for a file that failed verification. After three
// consecutive failures the recorded success is withdrawn, a failure is
// recorded instead and the session dropped.
func (c *Coordinator) resend(sess *session, pkg string, file *types.File) (string, any, error) {
	// Snapshot everything needed below while holding the lock; the
	// liveness sweep clears these fields when it expires a session.
	c.mu.Lock()
	sess.attempts++
	attempts := sess.attempts
	version := sess.version
	buildID := sess.buildID
	abi := sess.caps.ABI
	c.mu.Unlock()

	if attempts < maxSendAttempts {
		c.logger.Warn().
			Int64("slave", sess.id).
			Str("filename", file.Filename).
			Int("attempt", attempts).
			Msg("transfer failed verification, retrying")
		c.transfer.Expect(sess.id, pkg, file)
		return protocol.TagSend, &protocol.Send{Filename: file.Filename}, nil
	}

	c.logger.Error().
		Int64("slave", sess.id).
		Str("filename", file.Filename).
		Msg("transfer failed verification three times, recording failure")

	ctx := context.Background()
	if err := c.pool.DeleteBuild(ctx, buildID); err != nil {
		c.logger.Error().Err(err).Int64("build", buildID).Msg("withdraw build")
	}
	failure := &types.Build{
		Package:  pkg,
		Version:  version,
		ABI:      abi,
		BuiltBy:  sess.id,
		BuiltAt:  time.Now().UTC(),
		Status:   false,
		Output:   fmt.Sprintf("file %s failed hash verification %d times", file.Filename, attempts),
	}
	if _, err := c.pool.LogBuildFailure(ctx, failure); err != nil {
		c.logger.Error().Err(err).Msg("record transfer failure")
	}
	metrics.BuildsTotal.WithLabelValues("failed").Inc()

	c.mu.Lock()
	c.freeInflight(sess)
	delete(c.sessions, sess.id)
	c.updateSlaveMetrics()
	c.mu.Unlock()
	c.transfer.Abort(sess.id)
	c.publish(events.EventSlaveLeft, sess, "transfer failures")
	return "", nil, fmt.Errorf("%w: persistent hash mismatch from slave %d", protocol.ErrProtocol, sess.id)
}

// onBye drops the session. Called with the lock held; releases it.
func (c *Coordinator) onBye(sess *session) (string, any, error) {
	c.freeInflight(sess)
	delete(c.sessions, sess.id)
	sess.state = types.SlaveGoodbye
	c.updateSlaveMetrics()
	c.mu.Unlock()

	c.transfer.Abort(sess.id)
	c.logger.Info().Int64("slave", sess.id).Msg("builder left")
	c.publish(events.EventSlaveLeft, sess, "bye")
	return "", nil, nil
}
