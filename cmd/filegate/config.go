package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/filegate/internal/gateway"
	"github.com/danmuck/filegate/internal/protocol/frame"
)

const (
	envListenAddr     = "FILEGATE_LISTEN_ADDR"
	envBackendAddress = "FILEGATE_BACKEND_ADDRESS"
)

type fileConfig struct {
	ListenAddr       string  `toml:"listen_addr"`
	BackendAddress   string  `toml:"backend_address"`
	IndexPath        string  `toml:"index_path"`
	Framing          string  `toml:"framing"`
	ConnectTimeout   string  `toml:"connect_timeout"`
	RoundTripTimeout string  `toml:"round_trip_timeout"`
	MaxResponseBytes int     `toml:"max_response_bytes"`
	RateLimit        float64 `toml:"rate_limit"`
	RateBurst        int     `toml:"rate_burst"`
	ShutdownTimeout  string  `toml:"shutdown_timeout"`
	GoodbyeOnClose   bool    `toml:"goodbye_on_close"`
}

// loadServiceConfig overlays the file at path (if any) and then the
// environment onto the gateway defaults.
func loadServiceConfig(path string) (gateway.ServiceConfig, error) {
	cfg := gateway.DefaultServiceConfig()

	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return gateway.ServiceConfig{}, err
		}
	}
	applyEnv(&cfg)

	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return gateway.ServiceConfig{}, fmt.Errorf("load filegate config: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *gateway.ServiceConfig, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load filegate config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load filegate config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("backend_address") {
		cfg.Session.Address = strings.TrimSpace(raw.BackendAddress)
	}
	if meta.IsDefined("index_path") {
		cfg.IndexPath = strings.TrimSpace(raw.IndexPath)
	}
	if meta.IsDefined("framing") {
		mode, err := frame.ParseMode(raw.Framing)
		if err != nil {
			return fmt.Errorf("parse framing: %w", err)
		}
		cfg.Session.Framing = mode
	}
	if meta.IsDefined("connect_timeout") {
		d, err := parseDuration("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return err
		}
		cfg.Session.ConnectTimeout = d
	}
	if meta.IsDefined("round_trip_timeout") {
		d, err := parseDuration("round_trip_timeout", raw.RoundTripTimeout)
		if err != nil {
			return err
		}
		cfg.Session.RoundTripTimeout = d
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := parseDuration("shutdown_timeout", raw.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = d
	}
	if meta.IsDefined("max_response_bytes") {
		cfg.Session.Limits.MaxMessageBytes = raw.MaxResponseBytes
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("goodbye_on_close") {
		cfg.Session.GoodbyeOnClose = raw.GoodbyeOnClose
	}
	return nil
}

func applyEnv(cfg *gateway.ServiceConfig) {
	if v := strings.TrimSpace(os.Getenv(envListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envBackendAddress)); v != "" {
		cfg.Session.Address = v
	}
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
