package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/csctl/internal/correlate"
	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/protocol"
)

var ErrWorkerExited = errors.New("worker: worker exited")

// Client executes requests on a supervised worker and correlates the
// responses.
type Client struct {
	sup     *Supervisor
	pending *correlate.Table[protocol.ExecutionResponse]
	inbox   *Inbox
	timeout time.Duration
	done    chan struct{}
}

// NewClient consumes sup's output. rewriter maps stack traces in worker
// output to source files; it may be nil.
func NewClient(sup *Supervisor, rewriter dispatch.StackRewriter, timeout time.Duration) *Client {
	pending := correlate.NewTable[protocol.ExecutionResponse]()
	c := &Client{
		sup:     sup,
		pending: pending,
		inbox:   NewInbox(pending, rewriter, observability.Component("worker")),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go c.consume()
	return c
}

func (c *Client) consume() {
	for line := range c.sup.Lines() {
		if line.Stream == StreamStderr {
			c.inbox.logger.Warn().Msg(c.inbox.rewrite(string(line.Data)))
			continue
		}
		c.inbox.HandleLine(line.Data)
	}
	c.pending.Close()
	<-c.sup.Done()
	close(c.done)
}

// Execute sends req to the worker and waits for its response, the
// timeout, or ctx.
func (c *Client) Execute(ctx context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResponse, error) {
	id, ch, err := c.pending.Register()
	if err != nil {
		return protocol.ExecutionResponse{}, ErrWorkerExited
	}
	req.RequestID = id
	line, err := json.Marshal(req)
	if err != nil {
		c.pending.Discard(id)
		return protocol.ExecutionResponse{}, fmt.Errorf("worker: encode request: %w", err)
	}
	if err := c.sup.Send(line); err != nil {
		c.pending.Discard(id)
		return protocol.ExecutionResponse{}, fmt.Errorf("%w: %v", ErrWorkerExited, err)
	}
	resp, err := c.pending.Await(ctx, id, ch, c.timeout)
	if errors.Is(err, correlate.ErrClosed) {
		return protocol.ExecutionResponse{}, ErrWorkerExited
	}
	return resp, err
}

// Done closes once the worker has exited and its output is drained.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	return c.sup.Stop()
}
