// Package devserver is the local HTTP stand-in for the hosted execute
// endpoints.
//
// Ownership boundary:
// - the execute routes and their response envelope
// - proxying every other route to the vendor API
// - the swappable executor (in-process, local worker, or relay)
// - the build, load, watch and reconnect cycle behind it
package devserver
