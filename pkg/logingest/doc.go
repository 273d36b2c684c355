// Package logingest records parsed access-log entries shipped by the
// web frontend, feeding download counters and home-page statistics.
package logingest
