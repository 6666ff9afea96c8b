// Package session owns liveness and retry timing shared by worker owners,
// the relay and the relay client.
//
// Ownership boundary:
// - keep-alive, idle, ping/pong and grace durations
// - reconnect backoff
package session
