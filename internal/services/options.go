package services

import (
	"time"

	"yolocam/internal/notify"
	"yolocam/internal/script"
	"yolocam/internal/stream"
)

// ScriptHost runs user scripts against detection results
type ScriptHost interface {
	Run(src string) error
	Stop() bool
	Status() script.Status
}

// Broadcaster pushes free text to the connected detection clients
type Broadcaster interface {
	BroadcastText(text string) int
}

// WindowStatsSource reports output window counters
type WindowStatsSource interface {
	Stats() stream.WindowStats
}

// SinkStatsSource reports per-sink notification counters
type SinkStatsSource interface {
	Stats() map[string]notify.SinkStats
}

// ClientCounter reports how many clients a stream endpoint is serving
type ClientCounter interface {
	ClientCount() int
}

// Option configures optional Control collaborators
type Option func(*Control)

// WithReloadRetention prunes persisted reload events older than d on load
func WithReloadRetention(d time.Duration) Option {
	return func(c *Control) {
		c.retention = d
	}
}

// WithScripts enables the script endpoints
func WithScripts(host ScriptHost) Option {
	return func(c *Control) {
		c.scripts = host
	}
}

// WithBroadcaster enables /api/broadcast
func WithBroadcaster(b Broadcaster) Option {
	return func(c *Control) {
		c.broadcaster = b
	}
}

// WithWindowStats adds output window counters to Status
func WithWindowStats(src WindowStatsSource) Option {
	return func(c *Control) {
		c.window = src
	}
}

// WithSinkStats adds notification sink counters to Status
func WithSinkStats(src SinkStatsSource) Option {
	return func(c *Control) {
		c.sinks = src
	}
}

// WithClientCounter adds a named client count to Status
func WithClientCounter(name string, counter ClientCounter) Option {
	return func(c *Control) {
		c.clients[name] = counter
	}
}

// WithClock replaces time.Now for reload timestamps and retention
func WithClock(now func() time.Time) Option {
	return func(c *Control) {
		c.now = now
	}
}
