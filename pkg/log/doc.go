// Package log wraps zerolog with the Kiln logging conventions: a global
// logger configured once at startup, per-component child loggers, and
// per-component debug overrides driven by configuration.
package log
