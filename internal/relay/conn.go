package relay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/danmuck/csctl/internal/worker"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

type conn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	state      connState
	sup        *worker.Supervisor
	bundlePath string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		id:     id,
		srv:    srv,
		ws:     ws,
		logger: srv.logger.With().Str("conn", id).Logger(),
		closed: make(chan struct{}),
	}
}

func (c *conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// serve is the connection's only reader.
func (c *conn) serve() {
	cfg := c.srv.cfg.Session
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.CreateGrace))
	c.ws.SetReadLimit(protocol.MaxLineBytes)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			reason := ReasonPeerGone
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() && c.currentState() == stateUnauthenticated {
				reason = ReasonGrace
			}
			c.logger.Debug().Err(err).Str("state", c.currentState().String()).Msg("relay.conn.serve read ended")
			c.close(reason)
			return
		}
		if c.currentState() == stateActive {
			_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		}
		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			c.logger.Debug().Err(err).Msg("relay.conn.serve ignored malformed message")
			continue
		}
		if !c.handle(env) {
			return
		}
	}
}

// handle reports false once the connection has been closed.
func (c *conn) handle(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeCreate:
		return c.create(env)
	case protocol.TypeRequest:
		c.request(env)
	case protocol.TypePing:
		c.send(protocol.Envelope{Type: protocol.TypePong})
	case protocol.TypePong:
	default:
		c.logger.Debug().Str("type", env.Type).Str("state", c.currentState().String()).Msg("relay.conn ignored message")
	}
	return true
}

func (c *conn) create(env protocol.Envelope) bool {
	if c.currentState() != stateUnauthenticated {
		c.logger.Warn().Msg("relay.conn.create repeated create ignored")
		return true
	}
	if err := c.srv.validator.Validate(env.Auth); err != nil {
		c.logger.Warn().Msg("relay.conn.create rejected credentials")
		c.closeWithCode(websocket.ClosePolicyViolation, "unauthorized", ReasonUnauthorized)
		return false
	}

	raw, err := DecodeBundle(env.TextData())
	if err != nil {
		c.logger.Warn().Err(err).Msg("relay.conn.create bad payload")
		c.closeWithCode(websocket.CloseUnsupportedData, "invalid bundle payload", ReasonSpawnFailed)
		return false
	}
	path := filepath.Join(c.srv.cfg.WorkDir, "cloudscript."+uuid.NewString()+".js")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("relay.conn.create write bundle failed")
		c.closeWithCode(websocket.CloseInternalServerErr, "bundle write failed", ReasonSpawnFailed)
		return false
	}

	cfg := c.srv.cfg.Session
	sup, err := worker.Start(context.Background(), c.srv.cfg.Launcher, worker.Spec{
		BundlePath:       path,
		TitleID:          env.TitleID,
		TitleSecret:      env.TitleSecret,
		IdleTimeout:      cfg.IdleTimeout,
		ExecutionTimeout: cfg.ExecutionTimeout,
	}, cfg.KeepAliveInterval)
	if err != nil {
		_ = os.Remove(path)
		c.logger.Error().Err(err).Msg("relay.conn.create worker spawn failed")
		c.closeWithCode(websocket.CloseInternalServerErr, "worker spawn failed", ReasonSpawnFailed)
		return false
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		_ = sup.Stop()
		_ = os.Remove(path)
		return false
	}
	c.state = stateActive
	c.sup = sup
	c.bundlePath = path
	c.mu.Unlock()

	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.logger.Info().Str("title", env.TitleID).Str("bundle", path).Int("bytes", len(raw)).Msg("relay.conn.create worker started")
	go c.forward(sup)
	go c.ping(cfg.PingInterval)
	return true
}

// ping asks an active peer to prove it is alive. Any inbound message,
// its pong included, pushes the read deadline out by PongTimeout.
func (c *conn) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.send(protocol.Envelope{Type: protocol.TypePing})
		}
	}
}

func (c *conn) request(env protocol.Envelope) {
	c.mu.Lock()
	sup, state := c.sup, c.state
	c.mu.Unlock()
	if state != stateActive || sup == nil {
		c.logger.Debug().Str("state", state.String()).Msg("relay.conn.request ignored before create")
		return
	}
	line, err := protocol.CompactLine(env.Data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("relay.conn.request malformed data")
		return
	}
	if err := sup.Send(line); err != nil {
		c.logger.Warn().Err(err).Msg("relay.conn.request worker write failed")
	}
}

// forward relays worker output until the worker's pipes close.
func (c *conn) forward(sup *worker.Supervisor) {
	for line := range sup.Lines() {
		if line.Stream == worker.StreamStderr {
			c.sendText(protocol.TypeError, string(line.Data))
			continue
		}
		env, err := protocol.DecodeEnvelope(line.Data)
		if err == nil {
			switch env.Type {
			case protocol.TypeResponse, protocol.TypeErrorLog, protocol.TypePlayFabLog:
				c.write(line.Data)
				continue
			}
		}
		c.sendText(protocol.TypeLog, string(line.Data))
	}
	c.close(ReasonWorkerExited)
}

func (c *conn) sendText(typ, text string) {
	env, err := protocol.NewEnvelope(typ, 0, text)
	if err != nil {
		return
	}
	c.send(env)
}

func (c *conn) send(env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("type", env.Type).Msg("relay.conn.send encode failed")
		return
	}
	c.write(payload)
}

func (c *conn) write(payload []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.Session.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Debug().Err(err).Msg("relay.conn.write failed")
	}
}

func (c *conn) closeWithCode(code int, text, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.close(reason)
}

// close is idempotent; each teardown step is attempted even if an earlier
// one fails.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		sup, path := c.sup, c.bundlePath
		c.mu.Unlock()
		close(c.closed)

		if sup != nil {
			if err := sup.Stop(); err != nil {
				c.logger.Warn().Err(err).Msg("relay.conn.close worker stop failed")
			}
		}
		if path != "" {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn().Err(err).Str("path", path).Msg("relay.conn.close bundle removal failed")
			}
		}
		c.writeMu.Lock()
		_ = c.ws.Close()
		c.writeMu.Unlock()

		observability.RelayConnectionClosed(reason)
		c.logger.Info().Str("reason", reason).Msg("relay.conn closed")
		c.srv.forget(c, reason)
	})
}
