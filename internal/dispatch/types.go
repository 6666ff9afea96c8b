package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/danmuck/csctl/internal/playfab"
	"github.com/danmuck/csctl/internal/protocol"
)

var (
	ErrCompileFailure = errors.New("dispatch: compile failure")
	ErrNoRegistry     = errors.New("dispatch: bundle exported no handler registry")
	ErrNoAPI          = errors.New("dispatch: no api client configured")
)

// API is the outbound collaborator handlers reach through server.* and
// http.request.
type API interface {
	CallServer(ctx context.Context, method string, request json.RawMessage) (json.RawMessage, error)
	HTTPRequest(ctx context.Context, req playfab.HTTPRequest) (string, error)
}

// StackRewriter maps bundle positions in a trace back to source files.
type StackRewriter interface {
	RewriteStack(trace string) string
}

// Sink receives out-of-band output produced while handlers run.
type Sink interface {
	Log(level, message string)
	ErrorLog(rec protocol.ErrorRecord)
	PlayFabLog(rec protocol.PlayFabLogRecord)
}

type Options struct {
	API      API
	Sink     Sink
	Rewriter StackRewriter
	// Timeout caps one execution. Zero leaves it to the caller's context.
	Timeout time.Duration
	TitleID string
	// Transport labels execution metrics.
	Transport string
}

func (o Options) withDefaults() Options {
	if o.Sink == nil {
		o.Sink = NewLoggerSink()
	}
	if o.Transport == "" {
		o.Transport = "inproc"
	}
	return o
}

// execContext holds what one execution accumulates. It is created fresh
// for every Execute call.
type execContext struct {
	ctx       context.Context
	playerID  string
	apiCalls  int
	httpCalls int
	logs      []protocol.LogEntry
}

func newExecContext(ctx context.Context, playerID string) *execContext {
	return &execContext{ctx: ctx, playerID: playerID, logs: []protocol.LogEntry{}}
}
