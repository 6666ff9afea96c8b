package devserver

import (
	"context"
	"errors"

	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/danmuck/csctl/internal/protocol"
)

var ErrNoExecutor = errors.New("devserver: no bundle loaded")

// Executor runs one request against the currently loaded bundle.
type Executor interface {
	Execute(ctx context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResponse, error)
	Close() error
}

// InProcess runs handlers on a dispatcher in this process.
type InProcess struct {
	d *dispatch.Dispatcher
}

func NewInProcess(d *dispatch.Dispatcher) *InProcess {
	return &InProcess{d: d}
}

func (e *InProcess) Execute(ctx context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResponse, error) {
	return e.d.Execute(ctx, req), nil
}

func (e *InProcess) Close() error { return nil }

// doner is implemented by executors backed by a connection or process
// that can go away on its own.
type doner interface {
	Done() <-chan struct{}
}
