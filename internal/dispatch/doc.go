// Package dispatch loads a compiled bundle into a script engine and runs
// its handlers by name.
//
// Ownership boundary:
// - bundle load and the name->handler table
// - per-request execution context and counters
// - native bindings handlers call (server, http, log, console)
// - mapping thrown values to structured errors
//
// A Dispatcher runs one handler at a time; callers may invoke Execute
// concurrently and are serialized.
package dispatch
