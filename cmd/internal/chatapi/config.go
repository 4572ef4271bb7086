package chatapi

import "time"

// Config controls HTTP API limits.
type Config struct {
	MaxBodyBytes int64

	// Per-user limit on POST /api/messages.
	SendRateEvents int
	SendRateWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   64 << 10,
		SendRateEvents: 60,
		SendRateWindow: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.SendRateEvents <= 0 {
		c.SendRateEvents = d.SendRateEvents
	}
	if c.SendRateWindow <= 0 {
		c.SendRateWindow = d.SendRateWindow
	}
	return c
}
