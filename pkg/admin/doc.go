// Package admin serves the local-only control channel for operators:
// importing externally built wheels, removing versions and forcing page
// rebuilds. The client half backs the CLI verbs.
package admin
