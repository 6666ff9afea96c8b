package relay

import "errors"

var (
	ErrClosed       = errors.New("relay: connection closed")
	ErrUnauthorized = errors.New("relay: unauthorized")
	ErrPayload      = errors.New("relay: invalid bundle payload")
)

// Close reasons, also used as metric labels.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonGrace        = "create_grace_expired"
	ReasonPeerGone     = "peer_gone"
	ReasonWorkerExited = "worker_exited"
	ReasonSpawnFailed  = "spawn_failed"
	ReasonShutdown     = "shutdown"
)
