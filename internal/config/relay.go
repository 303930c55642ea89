// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig represents the complete YAML configuration of the relay.
type RelayConfig struct {
	Listen       string              `yaml:"listen"`
	Destinations []string            `yaml:"destinations"`
	Socket       RelaySocketConfig   `yaml:"socket"`
	Worker       RelayWorkerConfig   `yaml:"worker"`
	Spill        RelaySpillConfig    `yaml:"spill"`
	Metrics      RelayMetricsConfig  `yaml:"metrics"`
	RateLimit    RelayRateLimitInfo  `yaml:"rate_limit"`
	Archive      RelayArchiveConfig  `yaml:"archive"`
	Logging      LoggingInfo         `yaml:"logging"`
}

// RelaySocketConfig tunes the inbound socket's kernel buffers and reuse
// options.
type RelaySocketConfig struct {
	ReuseAddr bool   `yaml:"reuse_addr"`
	ReusePort bool   `yaml:"reuse_port"`
	RcvBuf    string `yaml:"rcv_buf"` // e.g. "1mb"
	RcvBufRaw int64  `yaml:"-"`
	SndBuf    string `yaml:"snd_buf"`
	SndBufRaw int64  `yaml:"-"`
}

// RelayWorkerConfig tunes every destination worker uniformly.
type RelayWorkerConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"` // default: 4096
	DialTimeout   time.Duration `yaml:"dial_timeout"`   // default: 2s
	SendTimeout   time.Duration `yaml:"send_timeout"`   // tcp_send_timeout: per-send deadline, default: 1s
	BackoffMin    time.Duration `yaml:"backoff_min"`    // default: 100ms
	BackoffMax    time.Duration `yaml:"backoff_max"`    // default: 10s
	SendBuffer    string        `yaml:"send_buffer"`    // e.g. "256kb"
	SendBufferRaw int64         `yaml:"-"`
	LogDir        string        `yaml:"log_dir"` // empty disables per-destination log files

	// SpillUsec is the stall-grace-period threshold: a blob is only handed
	// off to the spill writer once its age since enqueue exceeds this,
	// distinct from SendTimeout's per-send deadline. default: 5s
	SpillUsec time.Duration `yaml:"spill_usec"`
	// SpillBatchMax bounds how many head-of-queue items a single stall
	// hand-off drains into the spill writer alongside the blob that
	// triggered it. default: 256
	SpillBatchMax int `yaml:"spill_batch_max"`
}

// RelaySpillConfig configures the disk fallback every worker spills to when
// its destination is unreachable or its in-memory queue is full.
type RelaySpillConfig struct {
	FallbackRoot     string `yaml:"fallback_root"`     // required
	MaxFileBytes     string `yaml:"max_file_bytes"`    // default: "64mb"
	MaxFileBytesRaw  int64  `yaml:"-"`
	MaxFileItems     int64  `yaml:"max_file_items"`    // default: 100000
	RotationSchedule string `yaml:"rotation_schedule"` // default: "@hourly"
	Compression      string `yaml:"compression"`       // none|gzip|zstd (default: none)
}

// RelayMetricsConfig configures the periodic metrics emitter.
type RelayMetricsConfig struct {
	Interval time.Duration `yaml:"interval"` // default: 15s

	// HostSampler is a raw duration string rather than time.Duration so
	// validate() can tell "omitted" (empty string, defaults to 30s) apart
	// from an explicit "0"/"0s" (disables host gauges) — a plain
	// time.Duration zero value can't distinguish the two once YAML has
	// unmarshaled it.
	HostSampler    string        `yaml:"host_sampler"` // default: 30s; "0" disables host gauges
	HostSamplerRaw time.Duration `yaml:"-"`
}

// RelayRateLimitInfo configures the optional inbound packet-rate ceiling.
type RelayRateLimitInfo struct {
	MaxPPS int `yaml:"max_pps"` // 0 disables limiting
}

// RelayArchiveConfig configures optional S3 shipping of closed spill files.
type RelayArchiveConfig struct {
	Bucket    string `yaml:"bucket"` // empty disables archival
	KeyPrefix string `yaml:"key_prefix"`
	Region    string `yaml:"region"`
}

// LoadRelayConfig reads and validates the relay's YAML configuration file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading relay config: %w", err)
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing relay config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating relay config: %w", err)
	}

	return &cfg, nil
}

func (c *RelayConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if len(c.Destinations) == 0 {
		return fmt.Errorf("destinations must have at least one entry")
	}

	if c.Spill.FallbackRoot == "" {
		return fmt.Errorf("spill.fallback_root is required")
	}
	if c.Spill.MaxFileBytes == "" {
		c.Spill.MaxFileBytes = "64mb"
	}
	parsed, err := ParseByteSize(c.Spill.MaxFileBytes)
	if err != nil {
		return fmt.Errorf("spill.max_file_bytes: %w", err)
	}
	c.Spill.MaxFileBytesRaw = parsed
	if c.Spill.MaxFileItems <= 0 {
		c.Spill.MaxFileItems = 100000
	}
	if c.Spill.RotationSchedule == "" {
		c.Spill.RotationSchedule = "@hourly"
	}
	c.Spill.Compression = strings.ToLower(strings.TrimSpace(c.Spill.Compression))
	switch c.Spill.Compression {
	case "", "none":
		c.Spill.Compression = "none"
	case "gzip", "zstd":
	default:
		return fmt.Errorf("spill.compression must be none, gzip or zstd, got %q", c.Spill.Compression)
	}

	if c.Socket.RcvBuf != "" {
		v, err := ParseByteSize(c.Socket.RcvBuf)
		if err != nil {
			return fmt.Errorf("socket.rcv_buf: %w", err)
		}
		c.Socket.RcvBufRaw = v
	}
	if c.Socket.SndBuf != "" {
		v, err := ParseByteSize(c.Socket.SndBuf)
		if err != nil {
			return fmt.Errorf("socket.snd_buf: %w", err)
		}
		c.Socket.SndBufRaw = v
	}

	if c.Worker.QueueCapacity <= 0 {
		c.Worker.QueueCapacity = 4096
	}
	if c.Worker.DialTimeout <= 0 {
		c.Worker.DialTimeout = 2 * time.Second
	}
	if c.Worker.SendTimeout <= 0 {
		c.Worker.SendTimeout = 1 * time.Second
	}
	if c.Worker.BackoffMin <= 0 {
		c.Worker.BackoffMin = 100 * time.Millisecond
	}
	if c.Worker.BackoffMax <= 0 {
		c.Worker.BackoffMax = 10 * time.Second
	}
	if c.Worker.BackoffMax < c.Worker.BackoffMin {
		return fmt.Errorf("worker.backoff_max must be >= worker.backoff_min")
	}
	if c.Worker.SendBuffer != "" {
		v, err := ParseByteSize(c.Worker.SendBuffer)
		if err != nil {
			return fmt.Errorf("worker.send_buffer: %w", err)
		}
		c.Worker.SendBufferRaw = v
	}
	if c.Worker.SpillUsec <= 0 {
		c.Worker.SpillUsec = 5 * time.Second
	}
	if c.Worker.SpillBatchMax <= 0 {
		c.Worker.SpillBatchMax = 256
	}

	if c.Metrics.Interval <= 0 {
		c.Metrics.Interval = 15 * time.Second
	}
	switch strings.TrimSpace(c.Metrics.HostSampler) {
	case "":
		c.Metrics.HostSamplerRaw = 30 * time.Second
	default:
		v, err := time.ParseDuration(strings.TrimSpace(c.Metrics.HostSampler))
		if err != nil {
			return fmt.Errorf("metrics.host_sampler: %w", err)
		}
		c.Metrics.HostSamplerRaw = v
	}

	if c.RateLimit.MaxPPS < 0 {
		return fmt.Errorf("rate_limit.max_pps must be >= 0")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
