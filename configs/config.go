package configs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	icpi "icpigo"
	"icpigo/pkg/icrc"
)

// Config represents the entire configuration structure from config.yml
type Config struct {
	Self   string            `yaml:"self"`
	Dex    string            `yaml:"dex"`
	Locker string            `yaml:"locker"`
	Admins []string          `yaml:"admins"`
	Tokens map[string]string `yaml:"tokens"` // symbol -> ledger canister id
	Index  string            `yaml:"index"`  // index ledger canister id
	DSN    string            `yaml:"dsn"`
	HTTP   string            `yaml:"http"` // listen address for the query surface
}

// LoadConfig reads and parses config.yml into a Config struct
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &config, nil
}

// ToIndexConfig converts the YAML data into the runtime config the core
// expects.
func (c *Config) ToIndexConfig() icpi.Config {
	admins := make([]icrc.Principal, 0, len(c.Admins))
	for _, a := range c.Admins {
		admins = append(admins, icrc.Principal(a))
	}

	canisterIDs := make(map[icpi.TrackedToken]string)
	for symbol, id := range c.Tokens {
		canisterIDs[icpi.TrackedToken(symbol)] = id
	}

	return icpi.Config{
		Self:            icrc.Principal(c.Self),
		Dex:             icrc.Principal(c.Dex),
		Admins:          admins,
		CanisterIDs:     canisterIDs,
		IndexCanisterID: c.Index,
	}
}
