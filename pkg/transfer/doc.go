// Package transfer receives build artifacts from builders. The server
// hands out byte-range FETCH requests with a bounded pipeline window,
// reassembles CHUNK replies in any order, verifies the SHA-256 against
// the hash the builder reported, and renames verified files into the
// artifact tree.
package transfer
