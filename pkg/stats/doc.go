// Package stats assembles the periodic system-wide statistics composite
// from database aggregates and live task state.
package stats
