package host

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"graphhost/internal/metrics"
)

const DefaultAddress = ":4098"

// OverflowPolicy decides what happens when a bounded outbound queue is full.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDropNewest OverflowPolicy = "drop_newest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

type Config struct {
	// Address is the TCP listen address, e.g. ":4098" or "127.0.0.1:0".
	Address string
	// WriteTimeout bounds one write attempt. A write cut short by it keeps its
	// offset and resumes on the next attempt. Zero disables the deadline.
	WriteTimeout time.Duration
	// MaxQueuedFrames bounds each connection's outbound queue. Zero means
	// unbounded.
	MaxQueuedFrames int
	OverflowPolicy  OverflowPolicy
}

func (c *Config) withDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.MaxQueuedFrames > 0 && c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowDropOldest
	}
}

func (c Config) Validate() error {
	if c.MaxQueuedFrames < 0 {
		return fmt.Errorf("max_queued_frames must be >= 0")
	}
	switch c.OverflowPolicy {
	case "", OverflowDropOldest, OverflowDropNewest, OverflowDisconnect:
	default:
		return fmt.Errorf("unsupported overflow policy %q", c.OverflowPolicy)
	}
	return nil
}

type Option func(*Host)

func WithLogger(log zerolog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithMetrics attaches collectors. A nil *metrics.Metrics disables them.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}
