/*
Package types defines the domain entities shared across the Kiln master:
packages and versions tracked from the upstream index, build ABIs, build
attempts and their artifact files, the derived pending-build queue, builder
session capabilities, render-debounce entries and access-log events.

Everything here is plain data. The database package owns persistence, the
coordinator owns mutation of session state, and no type in this package
carries behaviour beyond small pure helpers.
*/
package types
