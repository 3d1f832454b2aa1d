// Package config centralises runtime configuration for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/melq/mdgate/internal/errs"
)

// AdapterKind selects a feed adapter implementation.
type AdapterKind string

const (
	// AdapterFeedWS consumes a websocket feed speaking the QA quote framing.
	AdapterFeedWS AdapterKind = "feedws"
	// AdapterQuotePoll polls HTTP quote pages.
	AdapterQuotePoll AdapterKind = "quotepoll"
	// AdapterSim produces synthetic quotes for demos and tests.
	AdapterSim AdapterKind = "sim"
)

// Credentials carries optional basic credentials.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Empty reports whether no credentials were configured.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// AdapterConfig declares one upstream feed source.
type AdapterConfig struct {
	Source         string      `yaml:"source"`
	Kind           AdapterKind `yaml:"kind"`
	Address        string      `yaml:"address"`
	Prefixes       []string    `yaml:"prefixes"`
	Credentials    Credentials `yaml:"credentials"`
	PollIntervalMS int         `yaml:"poll_interval_ms"`
	RatePerSecond  float64     `yaml:"rate_limit_per_sec"`
}

// PollInterval returns the HTTP poll cadence for quotepoll adapters.
func (a AdapterConfig) PollInterval() time.Duration {
	if a.PollIntervalMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(a.PollIntervalMS) * time.Millisecond
}

// WebsocketConfig sets the client-facing websocket listener.
type WebsocketConfig struct {
	Host        string      `yaml:"host"`
	Port        int         `yaml:"port"`
	Path        string      `yaml:"path"`
	Credentials Credentials `yaml:"credentials"`
}

// Addr renders the bind address.
func (w WebsocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// RESTConfig sets the REST listener.
type RESTConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// Addr renders the bind address.
func (r RESTConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IncrementalConfig tunes the incremental-update policy.
type IncrementalConfig struct {
	Enabled            bool `yaml:"enabled"`
	BatchIntervalMS    int  `yaml:"batch_interval_ms"`
	BatchSizeThreshold int  `yaml:"batch_size_threshold"`
}

// BatchInterval returns the flush timer period; zero disables batching.
func (i IncrementalConfig) BatchInterval() time.Duration {
	return time.Duration(i.BatchIntervalMS) * time.Millisecond
}

// DistributorConfig sizes the distributor mailbox.
type DistributorConfig struct {
	MailboxSize int `yaml:"mailbox_size"`
}

// RecorderConfig enables the Postgres tick recorder.
type RecorderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrations_dir"`
	BufferSize    int    `yaml:"buffer_size"`
}

// Config is the gateway configuration document.
type Config struct {
	Environment         string            `yaml:"environment"`
	Debug               bool              `yaml:"debug"`
	Adapters            []AdapterConfig   `yaml:"adapters"`
	Websocket           WebsocketConfig   `yaml:"websocket"`
	REST                RESTConfig        `yaml:"rest"`
	DefaultInstruments  []string          `yaml:"default_instruments"`
	Incremental         IncrementalConfig `yaml:"incremental"`
	OutboxLimit         int               `yaml:"outbox_limit"`
	HeartbeatIntervalMS int               `yaml:"heartbeat_interval_ms"`
	Distributor         DistributorConfig `yaml:"distributor"`
	Recorder            RecorderConfig    `yaml:"recorder"`
}

// HeartbeatInterval returns the session ping period.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "prod",
		Websocket: WebsocketConfig{
			Host: "0.0.0.0",
			Port: 7988,
			Path: "/ws/market",
		},
		REST: RESTConfig{
			Host:             "0.0.0.0",
			Port:             7987,
			CORSAllowOrigins: []string{"*"},
		},
		Incremental: IncrementalConfig{
			Enabled:            true,
			BatchIntervalMS:    100,
			BatchSizeThreshold: 50,
		},
		OutboxLimit:         1024,
		HeartbeatIntervalMS: 30_000,
		Distributor:         DistributorConfig{MailboxSize: 4096},
		Recorder:            RecorderConfig{BufferSize: 1024},
	}
}

// Load reads and validates the configuration at path, layered over defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads path when it exists; a missing file yields defaults.
// The second result reports whether a file was read.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			def := Default()
			return def, false, def.Validate()
		}
		return Config{}, false, err
	}
	return cfg, true, nil
}

// Parse decodes a YAML document layered over defaults and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants a running gateway depends on.
func (c Config) Validate() error {
	if c.Websocket.Port <= 0 || c.Websocket.Port > 65535 {
		return invalid("websocket port out of range")
	}
	if c.REST.Port <= 0 || c.REST.Port > 65535 {
		return invalid("rest port out of range")
	}
	if !strings.HasPrefix(c.Websocket.Path, "/") {
		return invalid("websocket path must start with /")
	}
	if c.Incremental.BatchIntervalMS < 0 {
		return invalid("batch_interval_ms must not be negative")
	}
	if c.Incremental.BatchSizeThreshold <= 0 {
		return invalid("batch_size_threshold must be positive")
	}
	if c.OutboxLimit <= 0 {
		return invalid("outbox_limit must be positive")
	}
	if c.HeartbeatIntervalMS <= 0 {
		return invalid("heartbeat_interval_ms must be positive")
	}
	seen := make(map[string]struct{}, len(c.Adapters))
	for _, a := range c.Adapters {
		if a.Source == "" {
			return invalid("adapter source tag required")
		}
		if _, dup := seen[a.Source]; dup {
			return invalid("duplicate adapter source " + a.Source)
		}
		seen[a.Source] = struct{}{}
		switch a.Kind {
		case AdapterFeedWS, AdapterQuotePoll:
			if a.Address == "" {
				return invalid("adapter " + a.Source + " requires an address")
			}
		case AdapterSim:
		default:
			return invalid("unknown adapter kind " + string(a.Kind))
		}
	}
	if c.Recorder.Enabled && c.Recorder.DSN == "" {
		return invalid("recorder requires a dsn")
	}
	return nil
}

func invalid(msg string) error {
	return errs.New("config", errs.CodeFatal, errs.WithMessage(msg))
}
