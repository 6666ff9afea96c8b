// Package correlate matches asynchronous responses to the calls that
// are waiting for them.
//
// Ownership boundary:
// - request id allocation
// - the pending table and its timeout/close semantics
package correlate
