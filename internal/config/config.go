// Package config loads and persists the service's runtime
// configuration: three-stage precedence of YAML file, .env file, then
// OS environment variables, matching the layering used across the
// rest of this codebase's ambient config handling.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// UdpConfig is the live-reloadable ingest bind configuration. Changes
// are observed by the ingest loop and the heartbeat emitter via a
// watch.Value.
type UdpConfig struct {
	BindAddr net.IP `yaml:"bind_addr" json:"bindAddr"`
	PS5IP    net.IP `yaml:"ps5_ip" json:"ps5Ip,omitempty"`
}

// DefaultUdpConfig binds to loopback with no configured source IP —
// auto-detect is how a real source is normally discovered.
func DefaultUdpConfig() UdpConfig {
	return UdpConfig{BindAddr: net.IPv4(127, 0, 0, 1)}
}

// HTTPConfig is the control-surface listen configuration.
type HTTPConfig struct {
	Bind string `yaml:"bind" json:"bind"`
	Port int    `yaml:"port" json:"port"`
}

// Config is the top-level, persisted configuration document.
type Config struct {
	mu sync.RWMutex

	UDP     UdpConfig  `yaml:"udp" json:"udp"`
	UDPPort int        `yaml:"udp_port" json:"udpPort"`
	HTTP    HTTPConfig `yaml:"http" json:"http"`
	DataDir string     `yaml:"data_dir" json:"dataDir"`

	path string
}

// Default returns a Config with the defaults documented in the
// service's environment-variable table.
func Default() *Config {
	return &Config{
		UDP:     DefaultUdpConfig(),
		UDPPort: 33740,
		HTTP:    HTTPConfig{Bind: "0.0.0.0", Port: 10086},
		DataDir: resolveDataDir(),
	}
}

// Load reads path as YAML, then applies a sibling .env file and OS
// environment variables, in that precedence order (env wins). A
// missing or unparseable file falls back to defaults rather than
// failing startup.
func Load(path string) *Config {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err != nil:
		log.Info().Str("path", path).Msg("no config file found, using defaults")
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to parse config, using defaults")
			cfg = Default()
			cfg.path = path
		} else {
			log.Info().Str("path", path).Msg("loaded config")
		}
	}

	for _, envPath := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(envPath)
	}
	cfg.applyEnvOverrides()
	return cfg
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HTTP_BIND"); v != "" {
		c.HTTP.Bind = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
	if v := os.Getenv("GT7_UDP_BIND"); v != "" {
		if ip := net.ParseIP(v); ip != nil {
			c.UDP.BindAddr = ip
		}
	}
	if v := os.Getenv("GT7_UDP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UDPPort = n
		}
	}
	if v := os.Getenv("APEXTELEMETRY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// resolveDataDir follows the same fallback chain as DefaultDataDir,
// used when no explicit override is present.
func resolveDataDir() string {
	return DefaultDataDir()
}

// DefaultDataDir resolves APEXTELEMETRY_DATA_DIR, then ./data, then
// ../data, matching the original demo/geometry path resolution.
func DefaultDataDir() string {
	if v := os.Getenv("APEXTELEMETRY_DATA_DIR"); v != "" {
		return v
	}
	if info, err := os.Stat("./data"); err == nil && info.IsDir() {
		return "./data"
	}
	return "../data"
}

// Save persists the config back to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path := c.path
	if path == "" {
		path = "config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SnapshotUDP returns a copy of the current UDP config.
func (c *Config) SnapshotUDP() UdpConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.UDP
}

// SetUDP replaces the UDP config.
func (c *Config) SetUDP(u UdpConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UDP = u
}
