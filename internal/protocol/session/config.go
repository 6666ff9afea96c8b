package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config groups the timing knobs of one worker or relay session.
type Config struct {
	// KeepAliveInterval is how often an owner writes the keep-alive line.
	KeepAliveInterval time.Duration
	// IdleTimeout is how long a worker survives without any input.
	IdleTimeout time.Duration
	// ExecutionTimeout caps one handler run inside a worker. Zero leaves
	// the worker's own limit in place.
	ExecutionTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout    time.Duration
	CreateGrace    time.Duration
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
	Backoff        BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		PingInterval:      15 * time.Second,
		PongTimeout:       60 * time.Second,
		CreateGrace:       120 * time.Second,
		RequestTimeout:    120 * time.Second,
		WriteTimeout:      15 * time.Second,
		DialTimeout:       10 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.CreateGrace <= 0 {
		c.CreateGrace = d.CreateGrace
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
