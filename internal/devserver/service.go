package devserver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/bundle"
	"github.com/danmuck/csctl/internal/bundle/cache"
	"github.com/danmuck/csctl/internal/config"
	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/playfab"
	"github.com/danmuck/csctl/internal/protocol/session"
	"github.com/danmuck/csctl/internal/relay"
	"github.com/danmuck/csctl/internal/watch"
	"github.com/danmuck/csctl/internal/worker"
	"github.com/rs/zerolog"
)

// Service ties the build pipeline to the dev server: it builds the
// project, loads the bundle into an executor for the configured mode, and
// keeps both current as sources change or a transport drops.
type Service struct {
	cfg      config.Project
	session  session.Config
	builder  *bundle.Builder
	api      *playfab.Client
	server   *Server
	launcher worker.Launcher
	cache    *cache.Store
	logger   zerolog.Logger

	mu        sync.Mutex
	gen       uint64
	closeOnce sync.Once
}

type ServiceOption func(*Service)

// WithLauncher sets where worker mode starts workers.
func WithLauncher(l worker.Launcher) ServiceOption {
	return func(s *Service) { s.launcher = l }
}

// WithAPI replaces the vendor API client.
func WithAPI(api *playfab.Client) ServiceOption {
	return func(s *Service) { s.api = api }
}

func NewService(ctx context.Context, cfg config.Project, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		session:  session.Config{RequestTimeout: cfg.RequestTimeout, IdleTimeout: cfg.IdleTimeout}.WithDefaults(),
		launcher: worker.LocalLauncher{},
		logger:   observability.Component("devserver.service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.api == nil {
		s.api = playfab.NewClient(cfg.TitleID, cfg.TitleSecret)
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, config.BuildDir), 0o755); err != nil {
		return nil, fmt.Errorf("devserver: create build dir: %w", err)
	}
	var c bundle.Cache
	store, err := cache.Open(ctx, cfg.CachePath())
	if err != nil {
		s.logger.Warn().Err(err).Msg("devserver.Service transpile cache disabled")
	} else {
		s.cache = store
		c = store
	}

	s.builder = bundle.NewBuilder(cfg.Dir, cfg.BundlePath(), c)
	s.builder.Ignore = cfg.Ignore
	s.server = NewServer(Options{Forwarder: s.api, CORSOrigins: cfg.CORSOrigins})
	return s, nil
}

func (s *Service) Server() *Server {
	return s.server
}

// Run serves until ctx ends. A failing initial build leaves the server up
// and answering 503 until a later rebuild succeeds.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()
	if err := s.Reload(ctx); err != nil {
		s.logger.Error().Err(err).Msg("devserver.Service initial build failed")
	}

	if s.cfg.Watch {
		w, err := watch.New(s.cfg.Dir, s.cfg.Ignore, watch.DefaultDebounce)
		if err != nil {
			return err
		}
		w.Start()
		defer w.Stop()
		go s.rebuildOnChange(ctx, w)
	}
	return s.server.ListenAndServe(ctx, net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
}

func (s *Service) rebuildOnChange(ctx context.Context, w *watch.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case files, ok := <-w.Changes:
			if !ok {
				return
			}
			s.logger.Info().Int("files", len(files)).Msg("devserver.Service change detected, rebuilding")
			if err := s.Reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("devserver.Service rebuild failed")
			}
		}
	}
}

// Reload rebuilds the bundle and swaps in a fresh executor. On failure the
// previous executor is dropped so stale code is never served.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	b, err := s.builder.Build(ctx)
	if err != nil {
		s.install(nil)
		return err
	}
	exec, err := s.open(ctx, b)
	if err != nil {
		s.install(nil)
		return err
	}
	s.install(exec)
	s.logger.Info().Str("mode", s.cfg.Mode).Int("units", len(b.Records)).Msg("devserver.Service bundle loaded")
	if d, ok := exec.(doner); ok {
		go s.monitor(ctx, gen, b, exec, d)
	}
	return nil
}

func (s *Service) install(exec Executor) {
	if prev := s.server.SetExecutor(exec); prev != nil {
		if err := prev.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("devserver.Service close previous executor failed")
		}
	}
}

// monitor restarts a worker or relay connection that ends on its own,
// backing off between attempts, until a newer Reload supersedes it.
func (s *Service) monitor(ctx context.Context, gen uint64, b *bundle.Bundle, exec Executor, d doner) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Done():
		}
		if !s.current(gen) || !s.server.swapIf(exec, nil) {
			return
		}
		s.logger.Warn().Str("mode", s.cfg.Mode).Msg("devserver.Service executor ended, reconnecting")
		_ = exec.Close()

		for attempt := 1; ; attempt++ {
			delay := session.NextBackoffDelay(s.session.Backoff, attempt, rng)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if !s.current(gen) {
				return
			}
			next, err := s.open(ctx, b)
			if err != nil {
				s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("devserver.Service reconnect failed")
				continue
			}
			if !s.current(gen) || !s.server.swapIf(nil, next) {
				_ = next.Close()
				return
			}
			s.logger.Info().Int("attempt", attempt).Msg("devserver.Service reconnected")
			exec = next
			nd, ok := next.(doner)
			if !ok {
				return
			}
			d = nd
			break
		}
	}
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// open loads b into an executor for the configured mode.
func (s *Service) open(ctx context.Context, b *bundle.Bundle) (Executor, error) {
	switch s.cfg.Mode {
	case config.ModeInProcess:
		d, err := dispatch.LoadFile(b.Path, dispatch.Options{
			API:       s.api,
			Rewriter:  bundle.NewRewriter(b, bundle.RewriterOptions{}),
			Timeout:   s.cfg.ExecutionTimeout,
			TitleID:   s.cfg.TitleID,
			Transport: "inproc",
		})
		if err != nil {
			return nil, err
		}
		return NewInProcess(d), nil

	case config.ModeWorker:
		sup, err := worker.Start(ctx, s.launcher, worker.Spec{
			BundlePath:       b.Path,
			TitleID:          s.cfg.TitleID,
			TitleSecret:      s.cfg.TitleSecret,
			IdleTimeout:      s.session.IdleTimeout,
			ExecutionTimeout: s.cfg.ExecutionTimeout,
		}, s.session.KeepAliveInterval)
		if err != nil {
			return nil, err
		}
		return worker.NewClient(sup, bundle.NewRewriter(b, bundle.RewriterOptions{}), s.session.RequestTimeout), nil

	case config.ModeRemote:
		raw, err := os.ReadFile(b.Path)
		if err != nil {
			return nil, fmt.Errorf("devserver: read bundle: %w", err)
		}
		return relay.Dial(ctx, relay.ClientConfig{
			URL:         s.cfg.RelayURL(),
			Auth:        s.cfg.RemoteAuth,
			TitleID:     s.cfg.TitleID,
			TitleSecret: s.cfg.TitleSecret,
			Session:     s.session,
			Rewriter:    bundle.NewRewriter(b, bundle.RewriterOptions{Patterns: []string{bundle.TempBundlePattern}}),
		}, raw)

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", config.ErrInvalid, s.cfg.Mode)
	}
}

// Close releases the executor, the cache, and the API client.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.gen++
		s.mu.Unlock()
		s.install(nil)
		if s.cache != nil {
			if err := s.cache.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("devserver.Service cache close failed")
			}
		}
		_ = s.api.Close()
	})
}
