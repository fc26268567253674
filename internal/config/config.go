// Package config loads facewatch settings from defaults, an optional YAML file and the
// environment. Command-line flags are applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DetectorPython = "python"
	DetectorDlib   = "dlib"

	// MemoryDatabase selects the in-process identity store instead of Postgres.
	MemoryDatabase = "memory"
)

type Recognition struct {
	Tolerance    float64       `yaml:"tolerance"`
	MatchLimit   int           `yaml:"match_limit"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	Detector     string        `yaml:"detector"`
	ModelDir     string        `yaml:"model_dir"`
	EngineScript string        `yaml:"engine_script"`
	StaleWindow  time.Duration `yaml:"stale_window"`
}

type Cache struct {
	MaxSize      int           `yaml:"max_size"`
	TTL          time.Duration `yaml:"ttl"`
	EmptyResults bool          `yaml:"empty_results"`
}

type Camera struct {
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MQTT is disabled when Broker is empty.
type MQTT struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
}

type Config struct {
	DatabaseURL string      `yaml:"database_url"`
	Recognition Recognition `yaml:"recognition"`
	Cache       Cache       `yaml:"cache"`
	Camera      Camera      `yaml:"camera"`
	Server      Server      `yaml:"server"`
	MQTT        MQTT        `yaml:"mqtt"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		DatabaseURL: "postgres://localhost:5432/facewatch",
		Recognition: Recognition{
			Tolerance:    0.6,
			MatchLimit:   5,
			Workers:      4,
			QueueSize:    8,
			Detector:     DetectorPython,
			ModelDir:     "models",
			EngineScript: "python/engine.py",
		},
		Cache: Cache{
			MaxSize: 1000,
			TTL:     time.Hour,
		},
		Camera: Camera{Device: "0", Width: 640, Height: 480, FPS: 30},
		Server: Server{Host: "0.0.0.0", Port: 8000},
		MQTT:   MQTT{Topic: "facewatch", ClientID: "facewatch"},
	}
}

// Load builds the configuration. path may be empty; a missing file is an error only when
// path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	// Build the connection string from the POSTGRES_* variables if present
	if host, ok := lookup("POSTGRES_HOST"); ok && host != "" {
		user, _ := lookup("POSTGRES_USER")
		pass, _ := lookup("POSTGRES_PASSWORD")
		name, _ := lookup("POSTGRES_DB")
		port, _ := lookup("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("FACEWATCH_DATABASE_URL", &cfg.DatabaseURL)
	float("FACEWATCH_TOLERANCE", &cfg.Recognition.Tolerance)
	num("FACEWATCH_MATCH_LIMIT", &cfg.Recognition.MatchLimit)
	num("FACEWATCH_WORKERS", &cfg.Recognition.Workers)
	num("FACEWATCH_QUEUE_SIZE", &cfg.Recognition.QueueSize)
	str("FACEWATCH_DETECTOR", &cfg.Recognition.Detector)
	str("FACEWATCH_MODEL_DIR", &cfg.Recognition.ModelDir)
	str("FACEWATCH_ENGINE_SCRIPT", &cfg.Recognition.EngineScript)
	dur("FACEWATCH_STALE_WINDOW", &cfg.Recognition.StaleWindow)
	num("FACEWATCH_CACHE_SIZE", &cfg.Cache.MaxSize)
	dur("FACEWATCH_CACHE_TTL", &cfg.Cache.TTL)
	boolean("FACEWATCH_CACHE_EMPTY_RESULTS", &cfg.Cache.EmptyResults)
	str("FACEWATCH_CAMERA", &cfg.Camera.Device)
	str("FACEWATCH_HOST", &cfg.Server.Host)
	num("FACEWATCH_PORT", &cfg.Server.Port)
	str("FACEWATCH_MQTT_BROKER", &cfg.MQTT.Broker)
	str("FACEWATCH_MQTT_TOPIC", &cfg.MQTT.Topic)

	return errors.Join(errs...)
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Recognition.Tolerance < 0 || c.Recognition.Tolerance > 1 {
		errs = append(errs, fmt.Errorf("recognition.tolerance must be within [0, 1], got %v", c.Recognition.Tolerance))
	}
	if c.Recognition.MatchLimit < 1 {
		errs = append(errs, fmt.Errorf("recognition.match_limit must be positive, got %d", c.Recognition.MatchLimit))
	}
	if c.Recognition.Workers < 1 {
		errs = append(errs, fmt.Errorf("recognition.workers must be positive, got %d", c.Recognition.Workers))
	}
	if c.Recognition.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("recognition.queue_size must be positive, got %d", c.Recognition.QueueSize))
	}
	switch c.Recognition.Detector {
	case DetectorPython, DetectorDlib:
	default:
		errs = append(errs, fmt.Errorf("recognition.detector must be %q or %q, got %q", DetectorPython, DetectorDlib, c.Recognition.Detector))
	}
	if c.Recognition.StaleWindow < 0 {
		errs = append(errs, errors.New("recognition.stale_window must not be negative"))
	}
	if c.Cache.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %v", c.Cache.TTL))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }
