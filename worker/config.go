package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type (
	// Config carries the worker process environment.
	Config struct {
		// RedisURL is the broker endpoint.
		RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
		// DefaultWorkers is the per-role concurrency applied when no
		// override names the role's group.
		DefaultWorkers int `env:"DEFAULT_WORKERS" envDefault:"4"`
		// WorkersFile optionally points at a YAML per-role concurrency file.
		WorkersFile string `env:"WORKERS_FILE"`
		// DrainTimeout bounds how long shutdown waits for in-flight batches.
		DrainTimeout time.Duration `env:"DRAIN_TIMEOUT" envDefault:"10s"`
		// Debug enables debug logs and the debug HTTP endpoints.
		Debug bool `env:"DEBUG"`
	}

	// RoleWorkers is the YAML per-role concurrency override: group name to
	// worker count, with a fallback default.
	RoleWorkers struct {
		Default int            `yaml:"default"`
		Roles   map[string]int `yaml:"roles"`
	}
)

// LoadConfig reads the worker configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// LoadRoleWorkers parses a YAML role concurrency file.
func LoadRoleWorkers(path string) (RoleWorkers, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RoleWorkers{}, fmt.Errorf("read workers file: %w", err)
	}
	var rw RoleWorkers
	if err := yaml.Unmarshal(raw, &rw); err != nil {
		return RoleWorkers{}, fmt.Errorf("parse workers file %s: %w", path, err)
	}
	for group, n := range rw.Roles {
		if n < 0 {
			return RoleWorkers{}, fmt.Errorf("workers file %s: role %s has negative count %d", path, group, n)
		}
	}
	return rw, nil
}
