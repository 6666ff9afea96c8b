// Package relay runs workers on behalf of remote developers over a
// websocket.
//
// Ownership boundary:
// - the relay server: upgrade, per-connection state machine, worker
//   lifetime, temp bundle files
// - the relay client: create handshake, liveness pings, request
//   correlation on the developer side
//
// A connection moves UNAUTHENTICATED -> ACTIVE -> CLOSED. Only a valid
// create message moves it to ACTIVE; every path ends in CLOSED, which
// kills the worker and removes its bundle file exactly once.
package relay
