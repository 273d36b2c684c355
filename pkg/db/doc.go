/*
Package db implements the Kiln relational store and the worker pool that
serializes access to it.

The SQL surface is a closed set of named operations (stored-procedure
style): tasks never issue ad-hoc SQL, they call methods like AddVersion,
GetPendingQueue or LogBuildSuccess. Every operation is one transaction.
The database is the single source of truth for the whole farm; cross-task
invariants (monotonic upstream serial, success-implies-files, the derived
pending queue) are enforced here and nowhere else.

Store wraps one connection. Pool runs N identical workers, each owning a
Store, behind a balancer that keeps an idle-worker set and parks requests
in FIFO order when all workers are busy. Replies are routed back on the
requesting goroutine's own channel, so per-caller ordering holds, and a
request that cannot be served within the configured timeout fails with
ErrUnavailable.

The backing engine is sqlite (ncruces/go-sqlite3, pure Go) behind
database/sql. Schema creation and migration belong to cmd/kiln-migrate;
the master only verifies the stored schema version at startup.
*/
package db
