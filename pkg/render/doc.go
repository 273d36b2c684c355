// Package render writes the static web tree served to pip and humans.
// The renderer produces the simple index, project pages, JSON documents,
// search blob and home page with atomic renames; the debouncer coalesces
// bursts of render requests and persists its backlog across restarts.
package render
