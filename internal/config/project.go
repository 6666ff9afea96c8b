package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("config: invalid")

const (
	EnvFile     = ".env"
	ProjectFile = "cloudscript.toml"
	// BuildDir holds generated artifacts inside a project.
	BuildDir = ".csctl"
)

// Execution modes for the dev server.
const (
	ModeInProcess = "inproc"
	ModeWorker    = "worker"
	ModeRemote    = "remote"
)

// Project is the resolved configuration of one cloud-script project.
type Project struct {
	Dir         string
	TitleID     string
	TitleSecret string
	RemoteURL   string
	RemoteAuth  string

	Port             int
	Mode             string
	Watch            bool
	RequestTimeout   time.Duration
	ExecutionTimeout time.Duration
	IdleTimeout      time.Duration
	CORSOrigins      []string
	Ignore           []string
}

// projectFile is the cloudscript.toml key mapping.
type projectFile struct {
	Port             int      `toml:"port"`
	Mode             string   `toml:"mode"`
	Watch            bool     `toml:"watch"`
	RequestTimeout   string   `toml:"request_timeout"`
	ExecutionTimeout string   `toml:"execution_timeout"`
	IdleTimeout      string   `toml:"idle_timeout"`
	CORSOrigins      []string `toml:"cors_origins"`
	Ignore           []string `toml:"ignore"`
}

func DefaultProject(dir string) Project {
	return Project{
		Dir:            dir,
		Port:           8080,
		Mode:           ModeInProcess,
		RequestTimeout: 120 * time.Second,
		IdleTimeout:    120 * time.Second,
		CORSOrigins:    []string{"http://localhost:3000"},
	}
}

// LoadProject reads dir/.env and dir/cloudscript.toml. Both are optional;
// process environment variables override .env values.
func LoadProject(dir string) (Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Project{}, fmt.Errorf("%w: project dir: %v", ErrInvalid, err)
	}
	cfg := DefaultProject(abs)
	if err := loadEnv(&cfg); err != nil {
		return Project{}, err
	}
	if err := loadProjectFile(&cfg); err != nil {
		return Project{}, err
	}
	return cfg, nil
}

func loadEnv(cfg *Project) error {
	v := viper.New()
	v.SetConfigFile(filepath.Join(cfg.Dir, EnvFile))
	v.SetConfigType("env")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvFile, err)
	}
	cfg.TitleID = strings.TrimSpace(v.GetString("title_id"))
	cfg.TitleSecret = strings.TrimSpace(v.GetString("title_secret"))
	cfg.RemoteURL = strings.TrimSpace(v.GetString("remote_server_url"))
	cfg.RemoteAuth = strings.TrimSpace(v.GetString("remote_server_auth"))
	return nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func loadProjectFile(cfg *Project) error {
	path := filepath.Join(cfg.Dir, ProjectFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	var raw projectFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, ProjectFile, err)
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("mode") {
		cfg.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("watch") {
		cfg.Watch = raw.Watch
	}
	if meta.IsDefined("request_timeout") {
		if cfg.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("execution_timeout") {
		if cfg.ExecutionTimeout, err = parseDuration("execution_timeout", raw.ExecutionTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("idle_timeout") {
		if cfg.IdleTimeout, err = parseDuration("idle_timeout", raw.IdleTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("ignore") {
		cfg.Ignore = raw.Ignore
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
	}
	return d, nil
}

// Validate checks settings that every mode needs plus the ones the
// selected mode needs.
func (p Project) Validate() error {
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, p.Port)
	}
	switch p.Mode {
	case ModeInProcess, ModeWorker:
	case ModeRemote:
		if p.RemoteURL == "" {
			return fmt.Errorf("%w: REMOTE_SERVER_URL is required in remote mode", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, p.Mode)
	}
	return nil
}

// RequireTitle checks the credentials needed to reach the vendor API.
func (p Project) RequireTitle() error {
	if p.TitleID == "" {
		return fmt.Errorf("%w: TITLE_ID is not set", ErrInvalid)
	}
	if p.TitleSecret == "" {
		return fmt.Errorf("%w: TITLE_SECRET is not set", ErrInvalid)
	}
	return nil
}

func (p Project) BundlePath() string {
	return filepath.Join(p.Dir, BuildDir, "cloudscript.js")
}

func (p Project) CachePath() string {
	return filepath.Join(p.Dir, BuildDir, "cache.db")
}

// RelayURL normalizes RemoteURL to a websocket endpoint.
func (p Project) RelayURL() string {
	u := strings.TrimRight(p.RemoteURL, "/")
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "ws://" + u
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}
