// Package supervisor assembles the master's tasks from configuration,
// starts them in dependency order, serves the monitor control channel
// and tears everything down cleanly on quit.
package supervisor
