// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRelayConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRelayConfigAppliesDefaults(t *testing.T) {
	path := writeRelayConfigFile(t, `
listen: "0.0.0.0:9000/udp"
destinations:
  - "10.0.0.1:9001/udp"
  - "10.0.0.2:9001/tcp"
spill:
  fallback_root: /var/spool/relay
`)

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Spill.MaxFileBytesRaw != 64*1024*1024 {
		t.Fatalf("MaxFileBytesRaw = %d, want 64mb", cfg.Spill.MaxFileBytesRaw)
	}
	if cfg.Spill.RotationSchedule != "@hourly" {
		t.Fatalf("RotationSchedule = %q, want @hourly", cfg.Spill.RotationSchedule)
	}
	if cfg.Worker.QueueCapacity != 4096 {
		t.Fatalf("QueueCapacity = %d, want 4096", cfg.Worker.QueueCapacity)
	}
	if cfg.Metrics.Interval.Seconds() != 15 {
		t.Fatalf("Metrics.Interval = %v, want 15s", cfg.Metrics.Interval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Worker.SpillUsec != 5*time.Second {
		t.Fatalf("Worker.SpillUsec = %v, want 5s", cfg.Worker.SpillUsec)
	}
	if cfg.Worker.SpillBatchMax != 256 {
		t.Fatalf("Worker.SpillBatchMax = %d, want 256", cfg.Worker.SpillBatchMax)
	}
	if cfg.Metrics.HostSamplerRaw != 30*time.Second {
		t.Fatalf("Metrics.HostSamplerRaw = %v, want 30s", cfg.Metrics.HostSamplerRaw)
	}
}

func TestLoadRelayConfigHostSamplerZeroDisablesGauges(t *testing.T) {
	path := writeRelayConfigFile(t, `
listen: "0.0.0.0:9000/udp"
destinations:
  - "10.0.0.1:9001/udp"
spill:
  fallback_root: /var/spool/relay
metrics:
  host_sampler: "0"
`)

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.HostSamplerRaw != 0 {
		t.Fatalf("Metrics.HostSamplerRaw = %v, want 0 (disabled)", cfg.Metrics.HostSamplerRaw)
	}
}

func TestLoadRelayConfigRejectsInvalidHostSampler(t *testing.T) {
	path := writeRelayConfigFile(t, `
listen: "0.0.0.0:9000/udp"
destinations:
  - "10.0.0.1:9001/udp"
spill:
  fallback_root: /var/spool/relay
metrics:
  host_sampler: "not-a-duration"
`)
	if _, err := LoadRelayConfig(path); err == nil {
		t.Fatal("expected error for invalid host_sampler")
	}
}

func TestLoadRelayConfigRejectsMissingListen(t *testing.T) {
	path := writeRelayConfigFile(t, `
destinations:
  - "10.0.0.1:9001/udp"
spill:
  fallback_root: /var/spool/relay
`)
	if _, err := LoadRelayConfig(path); err == nil {
		t.Fatal("expected error for missing listen")
	}
}

func TestLoadRelayConfigRejectsNoDestinations(t *testing.T) {
	path := writeRelayConfigFile(t, `
listen: "0.0.0.0:9000/udp"
spill:
  fallback_root: /var/spool/relay
`)
	if _, err := LoadRelayConfig(path); err == nil {
		t.Fatal("expected error for empty destinations")
	}
}

func TestLoadRelayConfigRejectsInvalidCompression(t *testing.T) {
	path := writeRelayConfigFile(t, `
listen: "0.0.0.0:9000/udp"
destinations:
  - "10.0.0.1:9001/udp"
spill:
  fallback_root: /var/spool/relay
  compression: lz4
`)
	if _, err := LoadRelayConfig(path); err == nil {
		t.Fatal("expected error for unsupported compression mode")
	}
}

func TestLoadRelayConfigRejectsMissingFallbackRoot(t *testing.T) {
	path := writeRelayConfigFile(t, `
listen: "0.0.0.0:9000/udp"
destinations:
  - "10.0.0.1:9001/udp"
`)
	if _, err := LoadRelayConfig(path); err == nil {
		t.Fatal("expected error for missing spill.fallback_root")
	}
}
