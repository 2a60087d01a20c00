package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure in Load.
var ErrInvalid = errors.New("invalid config")

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Upstream struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Governor struct {
	ProjectHeader    string   `yaml:"project_header"`
	RatesFile        string   `yaml:"rates_file"`
	ProjectRatesFile string   `yaml:"project_rates_file"`
	SleepOffsetMS    int      `yaml:"sleep_offset_ms"`
	RejectCooldownMS int      `yaml:"reject_cooldown_ms"`
	SkipPaths        []string `yaml:"skip_paths"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type Store struct {
	Backend   string `yaml:"backend"`    // "redis" or "memory"
	TimeoutMS int    `yaml:"timeout_ms"` // per counter update
	NodeCount int    `yaml:"node_count"` // memory backend only
	Redis     Redis  `yaml:"redis"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Upstream      Upstream      `yaml:"upstream"`
	Governor      Governor      `yaml:"governor"`
	Store         Store         `yaml:"store"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout has to leave room for the throttle delay on top of the
// upstream call.
func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

func (g Governor) SleepOffset() time.Duration {
	return time.Duration(g.SleepOffsetMS) * time.Millisecond
}

func (g Governor) RejectCooldown() time.Duration {
	return time.Duration(g.RejectCooldownMS) * time.Millisecond
}

func (g Governor) Skip() map[string]struct{} {
	out := make(map[string]struct{}, len(g.SkipPaths))
	for _, p := range g.SkipPaths {
		out[p] = struct{}{}
	}
	return out
}

func (s Store) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a config document, applies defaults and validates it.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Upstream.TimeoutMS <= 0 {
		cfg.Upstream.TimeoutMS = 3000
	}
	if cfg.Governor.ProjectHeader == "" {
		cfg.Governor.ProjectHeader = "X-Project-ID"
	}
	if cfg.Governor.SleepOffsetMS <= 0 {
		cfg.Governor.SleepOffsetMS = 50
	}
	if cfg.Governor.SkipPaths == nil {
		cfg.Governor.SkipPaths = []string{"/health", "/version", cfg.Observability.PrometheusPath}
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendRedis
	}
	if cfg.Store.TimeoutMS <= 0 {
		cfg.Store.TimeoutMS = 100
	}
	if cfg.Store.NodeCount <= 0 {
		cfg.Store.NodeCount = 1
	}
	if cfg.Store.Redis.KeyPrefix == "" {
		cfg.Store.Redis.KeyPrefix = "governor"
	}
}

func (cfg *Root) validate() error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("%w: upstream.url is required", ErrInvalid)
	}
	if cfg.Governor.RatesFile == "" {
		return fmt.Errorf("%w: governor.rates_file is required", ErrInvalid)
	}
	if cfg.Governor.RejectCooldownMS < 0 {
		return fmt.Errorf("%w: governor.reject_cooldown_ms must be >= 0", ErrInvalid)
	}
	switch cfg.Store.Backend {
	case BackendRedis:
		if cfg.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required for the redis backend", ErrInvalid)
		}
		if cfg.Store.NodeCount > 1 {
			return fmt.Errorf("%w: store.node_count only applies to the memory backend", ErrInvalid)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalid, cfg.Store.Backend)
	}
	return nil
}
