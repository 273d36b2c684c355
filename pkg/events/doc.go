// Package events implements the status broker: builder session changes,
// build results, render completions and statistics updates are published
// here and fanned out to every connected monitor subscription. Slow
// subscribers drop events rather than stall the publisher.
package events
