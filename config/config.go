// Package config holds the broker's runtime settings and loads them from
// defaults, an optional TOML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Transport names.
const (
	TransportWebsocket = "websocket"
	TransportTCP       = "tcp"
)

// Config is everything a broker process needs to start.
type Config struct {
	Listen                  string        `env:"TELEPORT_LISTEN"`
	Transport               string        `env:"TELEPORT_TRANSPORT"`
	Path                    string        `env:"TELEPORT_PATH"`
	PeerDisconnectedTimeout time.Duration `env:"TELEPORT_PEER_DISCONNECTED_TIMEOUT"`
	DestroyTimeout          time.Duration `env:"TELEPORT_DESTROY_TIMEOUT"`
	MaxMessageBytes         int64         `env:"TELEPORT_MAX_MESSAGE_BYTES"`
	WriteTimeout            time.Duration `env:"TELEPORT_WRITE_TIMEOUT"`
	MetricsEnabled          bool          `env:"TELEPORT_METRICS"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Listen:                  "127.0.0.1:8000",
		Transport:               TransportWebsocket,
		Path:                    "/teleport",
		PeerDisconnectedTimeout: 500 * time.Millisecond,
		DestroyTimeout:          100 * time.Millisecond,
		MaxMessageBytes:         1 << 20,
		WriteTimeout:            10 * time.Second,
		MetricsEnabled:          true,
	}
}

// fileConfig is the TOML key mapping. Durations are written as strings
// ("750ms") or integer nanoseconds.
type fileConfig struct {
	Listen                  string        `toml:"listen"`
	Transport               string        `toml:"transport"`
	Path                    string        `toml:"path"`
	PeerDisconnectedTimeout time.Duration `toml:"peer_disconnected_timeout"`
	DestroyTimeout          time.Duration `toml:"destroy_timeout"`
	MaxMessageBytes         int64         `toml:"max_message_bytes"`
	WriteTimeout            time.Duration `toml:"write_timeout"`
	Metrics                 bool          `toml:"metrics"`
}

// Load builds a Config from defaults, then path (skipped when empty), then
// the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the keys present in the TOML file at path onto cfg.
// Keys the file doesn't mention keep their current value.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("peer_disconnected_timeout") {
		cfg.PeerDisconnectedTimeout = raw.PeerDisconnectedTimeout
	}
	if meta.IsDefined("destroy_timeout") {
		cfg.DestroyTimeout = raw.DestroyTimeout
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("write_timeout") {
		cfg.WriteTimeout = raw.WriteTimeout
	}
	if meta.IsDefined("metrics") {
		cfg.MetricsEnabled = raw.Metrics
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays every TELEPORT_* variable that is set onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config from environment: %w", err)
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	return nil
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	switch c.Transport {
	case TransportWebsocket:
		if !strings.HasPrefix(c.Path, "/") {
			return fmt.Errorf("%w: websocket path %q must start with /", ErrInvalid, c.Path)
		}
	case TransportTCP:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.PeerDisconnectedTimeout <= 0 {
		return fmt.Errorf("%w: peer_disconnected_timeout must be positive", ErrInvalid)
	}
	if c.DestroyTimeout <= 0 {
		return fmt.Errorf("%w: destroy_timeout must be positive", ErrInvalid)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be positive", ErrInvalid)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalid)
	}
	return nil
}
