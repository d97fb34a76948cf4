package session

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/filegate/internal/protocol/frame"
)

var (
	ErrInvalidAddress = errors.New("session: invalid backend address")
	ErrInvalidTimeout = errors.New("session: invalid timeout")
	ErrInvalidLimit   = errors.New("session: invalid message limit")
)

// Config defines backend connection defaults.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	RoundTripTimeout time.Duration
	// CloseTimeout bounds the best-effort goodbye exchange on Close.
	CloseTimeout   time.Duration
	Framing        frame.Mode
	Limits         frame.Limits
	GoodbyeOnClose bool
}

func DefaultConfig() Config {
	return Config{
		Address:          "127.0.0.1:8080",
		ConnectTimeout:   5 * time.Second,
		RoundTripTimeout: 10 * time.Second,
		CloseTimeout:     2 * time.Second,
		Framing:          frame.DefaultMode,
		Limits:           frame.DefaultLimits(),
		GoodbyeOnClose:   true,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Address) == "" {
		c.Address = d.Address
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RoundTripTimeout == 0 {
		c.RoundTripTimeout = d.RoundTripTimeout
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.Framing == "" {
		c.Framing = d.Framing
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits = d.Limits
	}
	return c
}

func (c Config) Validate() error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(c.Address))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, c.Address, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, c.Address)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout=%v", ErrInvalidTimeout, c.ConnectTimeout)
	}
	if c.RoundTripTimeout <= 0 {
		return fmt.Errorf("%w: round_trip_timeout=%v", ErrInvalidTimeout, c.RoundTripTimeout)
	}
	if c.CloseTimeout < 0 {
		return fmt.Errorf("%w: close_timeout=%v", ErrInvalidTimeout, c.CloseTimeout)
	}
	if _, err := frame.ParseMode(string(c.Framing)); err != nil {
		return err
	}
	if c.Limits.MaxMessageBytes < 0 {
		return fmt.Errorf("%w: max_message_bytes=%d", ErrInvalidLimit, c.Limits.MaxMessageBytes)
	}
	return nil
}
