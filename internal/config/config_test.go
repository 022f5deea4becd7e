package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AppPort != 8080 || cfg.StoreDriver != StorePostgres {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Billing.PremiumEntitlement != "premium" {
		t.Fatalf("expected premium entitlement default got %q", cfg.Billing.PremiumEntitlement)
	}
	if cfg.RateLimit.Window != time.Minute || cfg.Roster.Workers != 4 {
		t.Fatalf("unexpected nested defaults %+v %+v", cfg.RateLimit, cfg.Roster)
	}
	if cfg.PostgresListen {
		t.Fatalf("expected LISTEN disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BUBBLE_PORT", "9090")
	t.Setenv("BUBBLE_STORE", " Mongo ")
	t.Setenv("BUBBLE_MONGO_DATABASE", "bubbles")
	t.Setenv("BUBBLE_IDENTITY_SIGNING_KEY", "key")
	t.Setenv("BUBBLE_BILLING_WEBHOOK_SECRET", "whsec")
	t.Setenv("BUBBLE_ROSTER_CACHE_TTL", "5s")
	t.Setenv("BUBBLE_OBJECT_STORE_BUCKET", "photos")
	t.Setenv("BUBBLE_PG_LISTEN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AppPort != 9090 || cfg.StoreDriver != StoreMongo || cfg.Mongo.Database != "bubbles" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Identity.SigningKey != "key" || cfg.Billing.WebhookSecret != "whsec" {
		t.Fatalf("expected secrets loaded got %+v %+v", cfg.Identity, cfg.Billing)
	}
	if cfg.Roster.CacheTTL != 5*time.Second || cfg.ObjectStore.Bucket != "photos" || !cfg.PostgresListen {
		t.Fatalf("unexpected nested config %+v %+v", cfg.Roster, cfg.ObjectStore)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"unknownStore": {"BUBBLE_STORE": "sqlite"},
		"badPort":      {"BUBBLE_PORT": "70000"},
		"badDuration":  {"BUBBLE_RATE_LIMIT_WINDOW": "soon"},
	}

	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for key, value := range vars {
				t.Setenv(key, value)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	if got := (Config{LogLevel: "debug"}).SlogLevel(); got != slog.LevelDebug {
		t.Fatalf("expected debug got %v", got)
	}
	if got := (Config{LogLevel: "nonsense"}).SlogLevel(); got != slog.LevelInfo {
		t.Fatalf("expected info fallback got %v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BUBBLE_TEST_DOTENV=from-file\nBUBBLE_TEST_PRESET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("BUBBLE_TEST_PRESET", "from-env")
	t.Setenv("BUBBLE_TEST_DOTENV", "")
	os.Unsetenv("BUBBLE_TEST_DOTENV")

	if err := LoadDotEnv(path, true); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("BUBBLE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from file got %q", got)
	}
	if got := os.Getenv("BUBBLE_TEST_PRESET"); got != "from-env" {
		t.Fatalf("existing variables must win got %q", got)
	}

	missing := filepath.Join(dir, "missing.env")
	if err := LoadDotEnv(missing, false); err != nil {
		t.Fatalf("optional missing file should be ignored: %v", err)
	}
	if err := LoadDotEnv(missing, true); err == nil {
		t.Fatalf("required missing file should fail")
	}
}
