package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/correlate"
	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/danmuck/csctl/internal/protocol/session"
	"github.com/danmuck/csctl/internal/worker"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ClientConfig configures the developer side of a relay connection.
type ClientConfig struct {
	// URL is the relay websocket endpoint, e.g. ws://host:8080/ws.
	URL         string
	Auth        string
	TitleID     string
	TitleSecret string
	Session     session.Config
	// Rewriter maps traces from the relay's temp bundle back to sources.
	Rewriter dispatch.StackRewriter
}

// Client executes requests on a remote worker through a relay.
type Client struct {
	cfg     ClientConfig
	ws      *websocket.Conn
	pending *correlate.Table[protocol.ExecutionResponse]
	inbox   *worker.Inbox
	logger  zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial connects to the relay and sends the create message carrying
// bundle. The worker starts asynchronously on the relay side.
func Dial(ctx context.Context, cfg ClientConfig, bundle []byte) (*Client, error) {
	cfg.Session = cfg.Session.WithDefaults()
	payload, err := EncodeBundle(bundle)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.Session.DialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	header := http.Header{}
	if cfg.Auth != "" {
		header.Set("Authorization", "Bearer "+cfg.Auth)
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrClosed, cfg.URL, err)
	}
	ws.SetReadLimit(protocol.MaxLineBytes)

	logger := observability.Component("relay.client")
	pending := correlate.NewTable[protocol.ExecutionResponse]()
	c := &Client{
		cfg:     cfg,
		ws:      ws,
		pending: pending,
		inbox:   worker.NewInbox(pending, cfg.Rewriter, logger),
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	create := protocol.Envelope{
		Type:        protocol.TypeCreate,
		Auth:        cfg.Auth,
		TitleID:     cfg.TitleID,
		TitleSecret: cfg.TitleSecret,
		Data:        data,
	}
	if err := c.send(create); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: create: %v", ErrClosed, err)
	}
	logger.Info().Str("url", cfg.URL).Int("bytes", len(bundle)).Msg("relay.Client connected")

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.Session.PongTimeout))
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				c.setErr(ErrUnauthorized)
			} else {
				c.setErr(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}
		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			c.logger.Debug().Err(err).Msg("relay.Client ignored malformed message")
			continue
		}
		switch env.Type {
		case protocol.TypePong:
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.Session.PongTimeout))
		case protocol.TypePing:
			_ = c.send(protocol.Envelope{Type: protocol.TypePong})
		default:
			c.inbox.Handle(env)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.Session.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(protocol.Envelope{Type: protocol.TypePing}); err != nil {
				c.logger.Debug().Err(err).Msg("relay.Client ping failed")
				return
			}
		}
	}
}

func (c *Client) send(env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Execute sends req to the remote worker and waits for the matching
// response.
func (c *Client) Execute(ctx context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResponse, error) {
	id, ch, err := c.pending.Register()
	if err != nil {
		return protocol.ExecutionResponse{}, c.Err()
	}
	req.RequestID = id
	env, err := protocol.NewEnvelope(protocol.TypeRequest, id, req)
	if err != nil {
		c.pending.Discard(id)
		return protocol.ExecutionResponse{}, err
	}
	if err := c.send(env); err != nil {
		c.pending.Discard(id)
		return protocol.ExecutionResponse{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	resp, err := c.pending.Await(ctx, id, ch, c.cfg.Session.RequestTimeout)
	if errors.Is(err, correlate.ErrClosed) {
		return protocol.ExecutionResponse{}, c.Err()
	}
	return resp, err
}

// Done closes when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err explains why the connection ended. It is ErrClosed by default.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) shutdown() {
	c.pending.Close()
	close(c.done)
}

// Close ends the connection; the relay tears down the worker.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.setErr(ErrClosed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}
