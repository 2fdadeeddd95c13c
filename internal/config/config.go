// Package config loads a node's TOML configuration file, the exact fields
// spec.md §6 enumerates, the way drand's key/store.go loads group and key
// files: toml.DecodeFile into a plain struct, no viper, no env-var
// framework beyond the one explicitly-named PIN override.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/shardvault/custody/internal/redact"
)

// OperationMode selects the secret module's extractability policy.
type OperationMode string

const (
	Production OperationMode = "production"
	Demo       OperationMode = "demo"
)

// pinEnvVar is the environment variable operators use instead of writing
// the PIN to disk in the TOML file.
const pinEnvVar = "CUSTODY_SECRET_MODULE_PIN"

// Config is a node's static configuration, loaded once at startup.
type Config struct {
	NodeID            string        `toml:"node_id"`
	Threshold         int           `toml:"threshold"`
	Total             int           `toml:"total"`
	OperationMode     OperationMode `toml:"operation_mode"`
	TransportEndpoint string        `toml:"transport_endpoint"`
	DataDir           string        `toml:"data_dir"`
	SecretModulePIN   redact.Secret `toml:"secret_module_pin"`
}

// Load decodes path as TOML, applies defaults, pulls the PIN from the
// environment if the file didn't carry one, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OperationMode == "" {
		c.OperationMode = Production
	}
}

func (c *Config) applyEnv() {
	if c.SecretModulePIN == "" {
		if v, ok := os.LookupEnv(pinEnvVar); ok {
			c.SecretModulePIN = redact.Secret(v)
		}
	}
}

// Validate checks the required fields and enumerated values spec.md §6
// names, returning every problem found joined together so operators see
// the whole list of what is wrong in one pass.
func (c Config) Validate() error {
	var problems []string

	if c.NodeID == "" {
		problems = append(problems, "node_id is required")
	}
	if c.Threshold < 1 {
		problems = append(problems, "threshold must be >= 1")
	}
	if c.Total < c.Threshold {
		problems = append(problems, "total must be >= threshold")
	}
	switch c.OperationMode {
	case Production, Demo:
	default:
		problems = append(problems, fmt.Sprintf("operation_mode %q must be %q or %q", c.OperationMode, Production, Demo))
	}
	if c.TransportEndpoint == "" {
		problems = append(problems, "transport_endpoint is required")
	}
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.SecretModulePIN == "" {
		problems = append(problems, "secret_module_pin is required (file or "+pinEnvVar+")")
	}

	if len(problems) == 0 {
		return nil
	}
	msg := "config: invalid configuration:"
	for _, p := range problems {
		msg += "\n  - " + p
	}
	return fmt.Errorf("%s", msg)
}
