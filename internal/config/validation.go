package config

import (
	"fmt"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
)

var (
	validCodecs    = []string{"raw", "framed"}
	validSendModes = []string{"sequential", "parallel"}
	validSinks     = []string{"file", "redis", "memory"}
	validLogLevels = []string{"debug", "info", "warn", "warning", "error"}
)

// ValidationError collects every problem found in a Config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		add("listener.port must be between 0 and 65535, got %d", c.Listener.Port)
	}
	if c.Listener.MaxWorkers < 0 {
		add("listener.max_workers must not be negative")
	}

	if !slice.Contain(validCodecs, c.Protocol.Codec) {
		add("protocol.codec must be one of %v, got %q", validCodecs, c.Protocol.Codec)
	}
	if !slice.Contain(validSendModes, c.Protocol.SendMode) {
		add("protocol.send_mode must be one of %v, got %q", validSendModes, c.Protocol.SendMode)
	}
	if c.Protocol.WriteTimeout < 0 {
		add("protocol.write_timeout must not be negative")
	}

	if c.Collector.BufferSize <= 0 {
		add("collector.buffer_size must be positive")
	}
	if c.Collector.PollInterval <= 0 {
		add("collector.poll_interval must be positive")
	}
	if c.Collector.Backoff < 0 {
		add("collector.backoff must not be negative")
	}
	if c.Collector.MaxWait <= 0 {
		add("collector.max_wait must be positive")
	}

	switch {
	case !slice.Contain(validSinks, c.Sink.Type):
		add("sink.type must be one of %v, got %q", validSinks, c.Sink.Type)
	case c.Sink.Type == "file" && c.Sink.Path == "":
		add("sink.path is required for file sink")
	case c.Sink.Type == "redis" && (c.Sink.RedisAddr == "" || c.Sink.RedisKey == ""):
		add("sink.redis_addr and sink.redis_key are required for redis sink")
	}

	if c.Control.Enabled && c.Control.Address == "" {
		add("control.address is required when the control surface is enabled")
	}

	if !slice.Contain(validLogLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level must be one of %v, got %q", validLogLevels, c.Logging.Level)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
