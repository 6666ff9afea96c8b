package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/csctl/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 9, nil); got != 5*time.Second {
		t.Fatalf("attempt9 got=%v", got)
	}
}

func TestNextBackoffDelayJitterStaysBounded(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     3 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 10; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		if got <= 0 || got > cfg.MaxDelay {
			t.Fatalf("attempt %d delay %v out of bounds", attempt, got)
		}
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	testlog.Start(t)
	cfg := Config{PongTimeout: time.Second}.WithDefaults()
	if cfg.PongTimeout != time.Second {
		t.Fatalf("explicit pong timeout overwritten: %v", cfg.PongTimeout)
	}
	if cfg.KeepAliveInterval != 5*time.Second {
		t.Fatalf("unexpected keep-alive default %v", cfg.KeepAliveInterval)
	}
	if cfg.IdleTimeout != 120*time.Second || cfg.CreateGrace != 120*time.Second {
		t.Fatalf("unexpected idle/grace defaults: %+v", cfg)
	}
}
