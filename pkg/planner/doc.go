// Package planner computes the pending-build queue. It periodically asks
// the database which (package, version) pairs still need a build per
// ABI and publishes bounded, ordered snapshots to the coordinator.
package planner
