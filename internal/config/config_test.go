package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestNewLoadedConfigDefaults(t *testing.T) {
	t.Setenv("CHATSYNC_STORE", "memory")

	c, err := NewLoadedConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.IncomingQueue != "whatsapp_incoming_messages" || c.OutgoingQueue != "whatsapp_outgoing_messages" {
		t.Fatalf("queues = %q / %q", c.IncomingQueue, c.OutgoingQueue)
	}
	if c.Prefetch != 1 {
		t.Fatalf("prefetch = %d, want 1", c.Prefetch)
	}
	if c.ReconnectBackoff != 5*time.Second {
		t.Fatalf("reconnect backoff = %v, want 5s", c.ReconnectBackoff)
	}
	if c.GapFillWindow != 200 || c.ReconcileCron != "*/2 * * * *" {
		t.Fatalf("gap fill defaults = %d %q", c.GapFillWindow, c.ReconcileCron)
	}
}

func TestNewLoadedConfigOverrides(t *testing.T) {
	t.Setenv("CHATSYNC_STORE", "memory")
	t.Setenv("CHATSYNC_OUTGOING_QUEUE", "out")
	t.Setenv("CHATSYNC_RETRY_DELAY", "250ms")
	t.Setenv("CHATSYNC_LOG_LEVEL", "debug")

	c, err := NewLoadedConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.OutgoingQueue != "out" || c.RetryDelay != 250*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level = %v", c.SlogLevel())
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Store: "memory", MediaBackend: "local", IncomingQueue: "in", OutgoingQueue: "out", Prefetch: 1}
	}
	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"memory store", func(*Config) {}, true},
		{"postgres needs dsn", func(c *Config) { c.Store = "postgres" }, false},
		{"postgres with dsn", func(c *Config) { c.Store = "postgres"; c.DatabaseURL = "postgres://x" }, true},
		{"s3 needs bucket", func(c *Config) { c.MediaBackend = "s3" }, false},
		{"unknown store", func(c *Config) { c.Store = "mongo" }, false},
		{"zero prefetch", func(c *Config) { c.Prefetch = 0 }, false},
	}
	for _, tc := range cases {
		c := base()
		tc.mut(&c)
		if err := c.Validate(); (err == nil) != tc.ok {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}
}
