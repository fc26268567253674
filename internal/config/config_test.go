package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facewatch.yaml")
	content := `
database_url: postgres://db:5432/faces
recognition:
  tolerance: 0.5
  detector: dlib
  stale_window: 500ms
cache:
  max_size: 10
  ttl: 2m
  empty_results: true
mqtt:
  broker: mosquitto:1883
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://db:5432/faces" {
		t.Errorf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.Recognition.Tolerance != 0.5 || cfg.Recognition.Detector != DetectorDlib {
		t.Errorf("Unexpected recognition section %+v", cfg.Recognition)
	}
	if cfg.Recognition.StaleWindow != 500*time.Millisecond {
		t.Errorf("StaleWindow = %v", cfg.Recognition.StaleWindow)
	}
	if cfg.Cache.MaxSize != 10 || cfg.Cache.TTL != 2*time.Minute || !cfg.Cache.EmptyResults {
		t.Errorf("Unexpected cache section %+v", cfg.Cache)
	}
	// Keys absent from the file keep their defaults
	if cfg.Recognition.Workers != 4 || cfg.Server.Port != 8000 {
		t.Errorf("Defaults lost: workers=%d port=%d", cfg.Recognition.Workers, cfg.Server.Port)
	}
	if cfg.MQTT.Broker != "mosquitto:1883" || cfg.MQTT.Topic != "facewatch" {
		t.Errorf("Unexpected mqtt section %+v", cfg.MQTT)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func env(vars map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, env(map[string]string{
		"POSTGRES_HOST":                 "db",
		"POSTGRES_USER":                 "u",
		"POSTGRES_PASSWORD":             "p",
		"POSTGRES_DB":                   "faces",
		"FACEWATCH_WORKERS":             "2",
		"FACEWATCH_CACHE_TTL":           "30s",
		"FACEWATCH_CACHE_EMPTY_RESULTS": "true",
		"FACEWATCH_TOLERANCE":           "0.7",
	}))
	if err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://u:p@db:5432/faces" {
		t.Errorf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.Recognition.Workers != 2 || cfg.Recognition.Tolerance != 0.7 {
		t.Errorf("Unexpected recognition %+v", cfg.Recognition)
	}
	if cfg.Cache.TTL != 30*time.Second || !cfg.Cache.EmptyResults {
		t.Errorf("Unexpected cache %+v", cfg.Cache)
	}
}

func TestApplyEnvExplicitURLWins(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, env(map[string]string{
		"POSTGRES_HOST":          "db",
		"FACEWATCH_DATABASE_URL": "memory",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabaseURL != MemoryDatabase {
		t.Errorf("DatabaseURL = %s", cfg.DatabaseURL)
	}
}

func TestApplyEnvBadValues(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, env(map[string]string{
		"FACEWATCH_WORKERS":   "many",
		"FACEWATCH_CACHE_TTL": "forever",
	}))
	if err == nil {
		t.Fatal("Expected error")
	}
	for _, key := range []string{"FACEWATCH_WORKERS", "FACEWATCH_CACHE_TTL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"Tolerance above 1", func(c *Config) { c.Recognition.Tolerance = 1.5 }, "tolerance"},
		{"Zero workers", func(c *Config) { c.Recognition.Workers = 0 }, "workers"},
		{"Zero queue", func(c *Config) { c.Recognition.QueueSize = 0 }, "queue_size"},
		{"Unknown detector", func(c *Config) { c.Recognition.Detector = "magic" }, "detector"},
		{"Zero cache", func(c *Config) { c.Cache.MaxSize = 0 }, "max_size"},
		{"Zero TTL", func(c *Config) { c.Cache.TTL = 0 }, "ttl"},
		{"Negative stale window", func(c *Config) { c.Recognition.StaleWindow = -time.Second }, "stale_window"},
		{"Bad port", func(c *Config) { c.Server.Port = 70000 }, "port"},
		{"Bad QoS", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}
