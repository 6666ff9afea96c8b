package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/correlate"
	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/playfab"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AuthorizationHeader carries the caller's session ticket.
const AuthorizationHeader = "X-Authorization"

// Forwarder relays requests the dev server does not handle itself.
type Forwarder interface {
	Forward(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (playfab.ForwardedResponse, error)
}

type Options struct {
	Forwarder   Forwarder
	CORSOrigins []string
}

// Server serves the execute endpoints and proxies the rest.
type Server struct {
	router    *gin.Engine
	forwarder Forwarder
	logger    zerolog.Logger
	started   time.Time

	mu   sync.RWMutex
	exec Executor
}

// executeBody is the accepted request shape. Unknown fields are ignored.
type executeBody struct {
	FunctionName      string          `json:"FunctionName"`
	FunctionParameter json.RawMessage `json:"FunctionParameter"`
	PlayFabID         string          `json:"PlayFabId"`
}

type okEnvelope struct {
	Code   int                        `json:"code"`
	Status string                     `json:"status"`
	Data   protocol.ExecutionResponse `json:"data"`
}

func NewServer(opts Options) *Server {
	observability.RegisterMetrics()
	logger := observability.Component("devserver")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware("devserver"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", AuthorizationHeader, "X-EntityToken", playfab.SecretKeyHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		router:    r,
		forwarder: opts.Forwarder,
		logger:    logger,
		started:   time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		s.mu.RLock()
		loaded := s.exec != nil
		s.mu.RUnlock()
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"loaded": loaded,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/Client/ExecuteCloudScript", s.execute(false))
	s.router.POST("/Server/ExecuteCloudScript", s.execute(true))
	s.router.NoRoute(s.proxy)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SetExecutor installs e and returns the executor it replaced, which the
// caller owns. A nil e makes execute requests fail with 503.
func (s *Server) SetExecutor(e Executor) Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.exec
	s.exec = e
	return prev
}

// swapIf replaces the executor only while current is still installed.
func (s *Server) swapIf(current, next Executor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != current {
		return false
	}
	s.exec = next
	return true
}

func (s *Server) executor() Executor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exec
}

func (s *Server) execute(serverAPI bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body executeBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "InvalidRequest", "request body is not valid JSON: "+err.Error())
			return
		}
		body.FunctionName = strings.TrimSpace(body.FunctionName)
		if body.FunctionName == "" {
			writeError(c, http.StatusBadRequest, "InvalidRequest", "FunctionName is required")
			return
		}

		playerID := strings.TrimSpace(body.PlayFabID)
		if playerID == "" && !serverAPI {
			if ticket := c.GetHeader(AuthorizationHeader); ticket != "" {
				id, err := playfab.PlayerIDFromTicket(ticket)
				if err != nil {
					s.logger.Debug().Err(err).Msg("devserver.Server.execute unreadable ticket")
				}
				playerID = id
			}
		}

		exec := s.executor()
		if exec == nil {
			writeError(c, http.StatusServiceUnavailable, "ServiceUnavailable", ErrNoExecutor.Error())
			return
		}
		resp, err := exec.Execute(c.Request.Context(), protocol.ExecutionRequest{
			FunctionName:      body.FunctionName,
			FunctionParameter: body.FunctionParameter,
			PlayFabID:         playerID,
		})
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, correlate.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			s.logger.Warn().Err(err).Str("function", body.FunctionName).Msg("devserver.Server.execute failed")
			writeError(c, status, http.StatusText(status), err.Error())
			return
		}
		if resp.Logs == nil {
			resp.Logs = []protocol.LogEntry{}
		}
		c.JSON(http.StatusOK, okEnvelope{Code: http.StatusOK, Status: "OK", Data: resp})
	}
}

func (s *Server) proxy(c *gin.Context) {
	if s.forwarder == nil {
		writeError(c, http.StatusNotFound, "NotFound", "no route "+c.Request.URL.Path)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	res, err := s.forwarder.Forward(c.Request.Context(), c.Request.Method, c.Request.URL.RequestURI(), c.Request.Header, body)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("devserver.Server.proxy failed")
		writeError(c, http.StatusBadGateway, "BadGateway", err.Error())
		return
	}
	for k, vs := range res.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(res.Status)
	_, _ = c.Writer.Write(res.Body)
}

func writeError(c *gin.Context, status int, name, message string) {
	c.JSON(status, playfab.APIError{
		Code:      status,
		Status:    http.StatusText(status),
		ErrorName: name,
		Message:   message,
	})
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("devserver.Server listening")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
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
		return []string{"http://localhost:3000"}
	}
	return out
}
