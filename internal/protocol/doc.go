// Package protocol owns the JSON message shapes exchanged between the
// dev server, worker processes and the relay.
//
// Ownership boundary:
// - execution request/response payloads
// - the typed envelope carried on worker stdout and the relay socket
// - newline-delimited framing helpers
package protocol
