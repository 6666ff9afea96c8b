// Package worker runs a bundle in an isolated process and supervises such
// processes from the owning side.
//
// Ownership boundary:
// - the worker loop: one inbound line channel, one outbound channel, one
//   idle timer
// - launching workers locally or over ssh
// - supervising a launched worker: keep-alive, output pumping, teardown
// - routing worker output back to waiting callers
//
// Wire format (newline-delimited JSON):
//   owner -> worker: ExecutionRequest objects, or the bare keep-alive line "1"
//   worker -> owner: Envelope objects of type response, error-log,
//   playfab-log or log
package worker
