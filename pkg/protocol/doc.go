/*
Package protocol implements the Kiln messaging substrate.

Every conversation with the master (remote builders, the file-transfer
channel, the local admin socket, the log-ingest socket and the monitor
status/control channel) is a sequence of discrete messages. A message is a
short ASCII tag plus a positional tuple of typed values, framed on the wire
as a 4-byte big-endian length followed by a CBOR array:

	[tag]                  bare tag, empty payload
	[tag, [v1, v2, ...]]   tag with positional payload

Payload tuples are Go structs using cbor's "toarray" encoding, which gives
compact, self-describing, cross-language positional tuples with unambiguous
typing. Timestamps travel as UTC epoch nanoseconds and durations as explicit
(seconds, nanoseconds) pairs so non-Go builders never have to guess.

Each channel owns a Registry mapping tags to payload prototypes. Both send
and receive validate against the registry; a violation on receive is a
protocol error and tears the session down.
*/
package protocol
