// Package coordinator speaks the builder wire protocol. It hands queued
// builds to connected builders, heartbeats them while they compile,
// records their results and shepherds produced files through the
// transfer server, dropping sessions that go quiet or misbehave.
package coordinator
