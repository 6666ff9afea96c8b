package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/csctl/internal/protocol/session"
	"github.com/danmuck/csctl/internal/worker"
	"github.com/pelletier/go-toml/v2"
)

// Relay is the relay server configuration.
type Relay struct {
	Addr        string   `toml:"addr"`
	Secret      string   `toml:"secret"`
	WorkDir     string   `toml:"work_dir"`
	CORSOrigins []string `toml:"cors_origins"`

	KeepAliveInterval string `toml:"keep_alive_interval"`
	IdleTimeout       string `toml:"idle_timeout"`
	ExecutionTimeout  string `toml:"execution_timeout"`
	PingInterval      string `toml:"ping_interval"`
	PongTimeout       string `toml:"pong_timeout"`
	CreateGrace       string `toml:"create_grace"`

	SSH *SSHWorker `toml:"ssh"`
}

// SSHWorker runs relay workers on another host.
type SSHWorker struct {
	Host                        string `toml:"host"`
	Port                        string `toml:"port"`
	User                        string `toml:"user"`
	KeyPath                     string `toml:"key_path"`
	KnownHostsPath              string `toml:"known_hosts_path"`
	InsecureSkipHostKeyChecking bool   `toml:"insecure_skip_host_key_checking"`
	Executable                  string `toml:"executable"`
	RemoteDir                   string `toml:"remote_dir"`
	Timeout                     string `toml:"timeout"`
}

// EnvRelaySecret overrides the secret from relay.toml.
const EnvRelaySecret = "CSCTL_RELAY_SECRET"

func DefaultRelay() Relay {
	return Relay{Addr: ":8080"}
}

// LoadRelay reads a relay.toml. An empty path yields defaults.
func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Relay{}, fmt.Errorf("%w: relay config load failed (%s): %v", ErrInvalid, path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Relay{}, fmt.Errorf("%w: relay config parse failed (%s): %v", ErrInvalid, path, err)
		}
	}
	if secret := strings.TrimSpace(os.Getenv(EnvRelaySecret)); secret != "" {
		cfg.Secret = secret
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultRelay().Addr
	}
	if err := cfg.Validate(); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

func (r Relay) Validate() error {
	if strings.TrimSpace(r.Secret) == "" {
		return fmt.Errorf("%w: relay secret is required", ErrInvalid)
	}
	if _, err := r.Session(); err != nil {
		return err
	}
	if r.SSH != nil {
		if strings.TrimSpace(r.SSH.Host) == "" {
			return fmt.Errorf("%w: ssh.host is required", ErrInvalid)
		}
		if strings.TrimSpace(r.SSH.User) == "" {
			return fmt.Errorf("%w: ssh.user is required", ErrInvalid)
		}
		if strings.TrimSpace(r.SSH.KeyPath) == "" {
			return fmt.Errorf("%w: ssh.key_path is required", ErrInvalid)
		}
		if r.SSH.Timeout != "" {
			if _, err := parseDuration("ssh.timeout", r.SSH.Timeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// Session resolves the timing settings, defaulting any left unset.
func (r Relay) Session() (session.Config, error) {
	var cfg session.Config
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"keep_alive_interval", r.KeepAliveInterval, &cfg.KeepAliveInterval},
		{"idle_timeout", r.IdleTimeout, &cfg.IdleTimeout},
		{"execution_timeout", r.ExecutionTimeout, &cfg.ExecutionTimeout},
		{"ping_interval", r.PingInterval, &cfg.PingInterval},
		{"pong_timeout", r.PongTimeout, &cfg.PongTimeout},
		{"create_grace", r.CreateGrace, &cfg.CreateGrace},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := parseDuration(f.key, f.raw)
		if err != nil {
			return session.Config{}, err
		}
		*f.dst = d
	}
	return cfg.WithDefaults(), nil
}

// Launcher picks where relay workers run.
func (r Relay) Launcher() worker.Launcher {
	if r.SSH == nil {
		return worker.LocalLauncher{}
	}
	timeout, _ := time.ParseDuration(r.SSH.Timeout)
	return worker.SSHLauncher{
		Host:                        r.SSH.Host,
		Port:                        r.SSH.Port,
		User:                        r.SSH.User,
		KeyPath:                     r.SSH.KeyPath,
		KnownHostsPath:              r.SSH.KnownHostsPath,
		InsecureSkipHostKeyChecking: r.SSH.InsecureSkipHostKeyChecking,
		Timeout:                     timeout,
		Executable:                  r.SSH.Executable,
		RemoteDir:                   r.SSH.RemoteDir,
	}
}
