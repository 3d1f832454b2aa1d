package config

import (
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Websocket.Path != "/ws/market" {
		t.Fatalf("path = %q", cfg.Websocket.Path)
	}
	if cfg.Incremental.BatchInterval() != 100*time.Millisecond {
		t.Fatalf("batch interval = %v", cfg.Incremental.BatchInterval())
	}
	if cfg.HeartbeatInterval() != 30*time.Second {
		t.Fatalf("heartbeat = %v", cfg.HeartbeatInterval())
	}
}

func TestParseLayersOverDefaults(t *testing.T) {
	doc := []byte(`
environment: dev
adapters:
  - source: ctp
    kind: feedws
    address: wss://md.example/ws
    prefixes: [SHFE, DCE]
  - source: sina
    kind: quotepoll
    address: https://hq.example
    poll_interval_ms: 1500
websocket:
  port: 9000
default_instruments: [SHFE.au2412]
incremental:
  enabled: true
  batch_interval_ms: 0
  batch_size_threshold: 25
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Websocket.Port != 9000 || cfg.Websocket.Path != "/ws/market" {
		t.Fatalf("websocket = %+v", cfg.Websocket)
	}
	if len(cfg.Adapters) != 2 {
		t.Fatalf("adapters = %+v", cfg.Adapters)
	}
	if cfg.Adapters[1].PollInterval() != 1500*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.Adapters[1].PollInterval())
	}
	if cfg.Incremental.BatchInterval() != 0 {
		t.Fatalf("batch interval = %v, want disabled", cfg.Incremental.BatchInterval())
	}
	if cfg.Incremental.BatchSizeThreshold != 25 {
		t.Fatalf("threshold = %d", cfg.Incremental.BatchSizeThreshold)
	}
	if cfg.Websocket.Addr() != "0.0.0.0:9000" {
		t.Fatalf("addr = %q", cfg.Websocket.Addr())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad websocket port", func(c *Config) { c.Websocket.Port = 0 }},
		{"bad rest port", func(c *Config) { c.REST.Port = 70000 }},
		{"bad path", func(c *Config) { c.Websocket.Path = "ws" }},
		{"negative interval", func(c *Config) { c.Incremental.BatchIntervalMS = -1 }},
		{"zero threshold", func(c *Config) { c.Incremental.BatchSizeThreshold = 0 }},
		{"zero outbox", func(c *Config) { c.OutboxLimit = 0 }},
		{"adapter without source", func(c *Config) {
			c.Adapters = []AdapterConfig{{Kind: AdapterSim}}
		}},
		{"duplicate adapter source", func(c *Config) {
			c.Adapters = []AdapterConfig{
				{Source: "a", Kind: AdapterSim},
				{Source: "a", Kind: AdapterSim},
			}
		}},
		{"feedws without address", func(c *Config) {
			c.Adapters = []AdapterConfig{{Source: "ctp", Kind: AdapterFeedWS}}
		}},
		{"unknown adapter kind", func(c *Config) {
			c.Adapters = []AdapterConfig{{Source: "x", Kind: "ftp"}}
		}},
		{"recorder without dsn", func(c *Config) { c.Recorder.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, fromFile, err := LoadOrDefault("testdata/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fromFile {
		t.Fatal("reported reading a missing file")
	}
	if cfg.Websocket.Port != Default().Websocket.Port {
		t.Fatalf("cfg = %+v", cfg.Websocket)
	}
}
