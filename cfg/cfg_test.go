package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.PasteTTL != 30*24*time.Hour {
		t.Errorf("PasteTTL = %v, want 720h", c.PasteTTL)
	}
	if c.KeyAttempts != 10 {
		t.Errorf("KeyAttempts = %d, want 10", c.KeyAttempts)
	}
	if len(c.AllowedOrigins) != 1 || c.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins = %v", c.AllowedOrigins)
	}
	if err := Validate(c); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PASTE_TTL", "1h")
	t.Setenv("BLOB_BACKEND", "DIR")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.PasteTTL != time.Hour || c.BlobBackend != BlobBackendDir {
		t.Errorf("PasteTTL=%v BlobBackend=%q", c.PasteTTL, c.BlobBackend)
	}
	if len(c.TrustedProxies) != 2 {
		t.Errorf("TrustedProxies = %v", c.TrustedProxies)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Cfg {
		c, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return c
	}
	tests := []struct {
		name   string
		mutate func(*Cfg)
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }},
		{"bad backend", func(c *Cfg) { c.BlobBackend = "s3" }},
		{"bad redis scheme", func(c *Cfg) { c.RedisURL = "http://localhost" }},
		{"rediss without tls", func(c *Cfg) { c.RedisURL = "rediss://localhost" }},
		{"tiny ttl", func(c *Cfg) { c.PasteTTL = time.Second }},
		{"zero attempts", func(c *Cfg) { c.KeyAttempts = 0 }},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }},
		{"prod without metrics auth", func(c *Cfg) { c.Environment = "production" }},
		{"kek ttl too long", func(c *Cfg) { c.KEKCacheTTL = 2 * time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := Validate(c); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("KEYDROP_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("KEYDROP_DOTENV_PROBE") })
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("KEYDROP_DOTENV_PROBE"); got != "loaded" {
		t.Errorf("probe = %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
}

func TestSecretRedactsAndWipes(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("String() leaked: %s", s)
	}
	s.Wipe()
	for _, b := range []byte(s.Value()) {
		if b != 0 {
			t.Fatal("secret not wiped")
		}
	}
}
