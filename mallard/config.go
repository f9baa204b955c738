// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultShutdownTimeout bounds how long a Fleet waits for serving loops to
// exit before logging a warning and proceeding.
const DefaultShutdownTimeout = 5 * time.Second

// ServerConfig describes one server instance. It is immutable after
// construction; mutate a copy before passing it to NewServer.
type ServerConfig struct {
	// Location is the address to bind, "host:port". A "grpc://" prefix is
	// accepted and stripped for compatibility with Flight location URIs.
	Location string `yaml:"location"`
	// Database is the DuckDB storage path, or ":memory:" for an in-memory
	// engine. Parent directories are created for file-backed paths.
	Database string `yaml:"database"`
	// ServerID identifies the instance in logs and response metadata.
	// Defaults to a random UUID.
	ServerID string `yaml:"server_id"`
	// AuthEnabled turns on the credential-checking middleware.
	AuthEnabled bool `yaml:"auth"`
	// Users maps usernames to secrets. Read-only at runtime.
	Users map[string]string `yaml:"users"`
}

// FleetConfig configures a Fleet of server instances.
type FleetConfig struct {
	Servers         []ServerConfig `yaml:"servers"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
}

// DefaultFleetConfig returns the two-server in-memory fleet used when no
// configuration file is supplied.
func DefaultFleetConfig() FleetConfig {
	users := map[string]string{"admin": "password123"}
	return FleetConfig{
		Servers: []ServerConfig{
			{Location: "localhost:8815", Database: ":memory:", AuthEnabled: true, Users: users},
			{Location: "localhost:8816", Database: ":memory:", AuthEnabled: true, Users: users},
		},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// UnmarshalYAML decodes a fleet document, accepting shutdown_timeout as a Go
// duration string ("5s", "1m30s").
func (c *FleetConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Servers         []ServerConfig `yaml:"servers"`
		ShutdownTimeout string         `yaml:"shutdown_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Servers = raw.Servers
	if raw.ShutdownTimeout != "" {
		d, err := time.ParseDuration(raw.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout: %w", err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

// LoadFleetConfig reads a YAML fleet configuration file.
func LoadFleetConfig(path string) (FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FleetConfig{}, fmt.Errorf("reading fleet config: %w", err)
	}
	var cfg FleetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FleetConfig{}, fmt.Errorf("parsing fleet config: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return cfg, nil
}

// Validate checks a fleet configuration before startup.
func (c FleetConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("fleet config: no servers defined")
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, sc := range c.Servers {
		if sc.Location == "" {
			return fmt.Errorf("fleet config: server %d has no location", i)
		}
		loc := normalizeLocation(sc.Location)
		if _, dup := seen[loc]; dup {
			return fmt.Errorf("fleet config: duplicate location %q", loc)
		}
		seen[loc] = struct{}{}
		if sc.AuthEnabled && len(sc.Users) == 0 {
			return fmt.Errorf("fleet config: server %d enables auth without credentials", i)
		}
	}
	return nil
}

// withDefaults fills in the server identifier and database marker.
func (c ServerConfig) withDefaults() ServerConfig {
	if c.ServerID == "" {
		c.ServerID = uuid.NewString()
	}
	if c.Database == "" {
		c.Database = ":memory:"
	}
	c.Location = normalizeLocation(c.Location)
	return c
}

// normalizeLocation strips the grpc:// URI prefix used by Flight locations.
func normalizeLocation(loc string) string {
	loc = strings.TrimPrefix(loc, "grpc+tcp://")
	return strings.TrimPrefix(loc, "grpc://")
}
