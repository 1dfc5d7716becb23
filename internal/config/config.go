// Package config loads daemon configuration from YAML with environment
// variable expansion. A .env file next to the process, if present, is
// loaded first so ${VAR} references in the YAML resolve against it.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tabwire/tabwire/internal/relayhost"
)

type Config struct {
	Relay struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		PairingRequired *bool  `yaml:"pairingRequired"`
	} `yaml:"relay"`

	Agent struct {
		AutoConnect   *bool `yaml:"autoConnect"`
		AutoPair      *bool `yaml:"autoPair"`
		DiscoveryPort int   `yaml:"discoveryPort"`
	} `yaml:"agent"`

	Host struct {
		SocketPath string `yaml:"socketPath"`
		TokenPath  string `yaml:"tokenPath"`
		LogPath    string `yaml:"logPath"`
	} `yaml:"host"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Relay.Host = "127.0.0.1"
	c.Relay.Port = relayhost.DefaultPort
	c.Agent.DiscoveryPort = relayhost.DefaultPort
	c.Log.Level = "info"
	return c
}

// Load reads the config file at path, expanding ${VAR} references from
// the environment. An empty path returns the defaults. Missing fields
// fall back to defaults; unknown fields are an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML config bytes with env expansion.
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) == "" {
		return c, nil
	}

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("parsing config: %w", err)
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return c, fmt.Errorf("relay.port %d out of range", c.Relay.Port)
	}
	return c, nil
}

// PairingRequired resolves the tri-state flag; pairing defaults on.
func (c Config) PairingRequired() bool {
	if c.Relay.PairingRequired == nil {
		return true
	}
	return *c.Relay.PairingRequired
}

// AutoConnect resolves the tri-state flag; auto-connect defaults on.
func (c Config) AutoConnect() bool {
	if c.Agent.AutoConnect == nil {
		return true
	}
	return *c.Agent.AutoConnect
}

// AutoPair resolves the tri-state flag; auto-pair defaults on.
func (c Config) AutoPair() bool {
	if c.Agent.AutoPair == nil {
		return true
	}
	return *c.Agent.AutoPair
}
