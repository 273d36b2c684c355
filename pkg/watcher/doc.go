// Package watcher follows the upstream package index. It tails the
// changelog by serial number, mirrors package and version lifecycle
// events into the database, and periodically reconciles the full
// catalogue to recover from gaps in the event log.
package watcher
