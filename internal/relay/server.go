package relay

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/auth"
	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/protocol/session"
	"github.com/danmuck/csctl/internal/worker"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config configures a relay server.
type Config struct {
	// Secret is the shared token remote developers present.
	Secret string
	// WorkDir receives temp bundle files. Defaults to os.TempDir().
	WorkDir  string
	Launcher worker.Launcher
	Session  session.Config
	// CORSOrigins lists browser origins allowed on the HTTP routes.
	CORSOrigins []string
	// OnConnClosed, when set, is called once per connection after it has
	// been torn down.
	OnConnClosed func(id, reason string)
}

// Server accepts relay connections.
type Server struct {
	cfg       Config
	validator auth.Validator
	router    *gin.Engine
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
	started   time.Time

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(cfg Config) *Server {
	observability.RegisterMetrics()
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = worker.LocalLauncher{}
	}
	logger := observability.Component("relay")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware("relay"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:       cfg,
		validator: auth.SharedSecret{Secret: cfg.Secret},
		router:    r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		started: time.Now(),
		conns:   make(map[*conn]struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(s.started).String(),
			"connections": s.Len(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.upgrade)
	s.router.GET("/", s.upgrade)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Len reports open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListenAndServe serves until ctx ends, then closes every connection.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("relay.Server listening")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		s.Close()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close tears down every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(ReasonShutdown)
	}
}

func (s *Server) upgrade(c *gin.Context) {
	if header := c.GetHeader("Authorization"); header != "" {
		if err := s.validator.Validate(auth.HeaderToken(header)); err != nil {
			observability.RelayConnectionRejected(ReasonUnauthorized)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("relay.Server.upgrade failed")
		return
	}
	conn := newConn(s, ws)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	observability.RelayConnectionOpened()
	conn.logger.Info().Str("remote", c.Request.RemoteAddr).Msg("relay.Server accepted connection")
	go conn.serve()
}

func (s *Server) forget(c *conn, reason string) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.cfg.OnConnClosed != nil {
		s.cfg.OnConnClosed(c.id, reason)
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost"}
	}
	return out
}
