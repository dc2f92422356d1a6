package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scsynth   ScsynthConfig   `yaml:"scsynth"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type ServerConfig struct {
	Address   string   `yaml:"address"`   // host:port of the synthesis server
	Transport string   `yaml:"transport"` // "udp" or "tcp"
	Program   string   `yaml:"program"`   // scsynth binary, looked up on PATH
	ExtraArgs []string `yaml:"extra_args"`
}

// ScsynthConfig holds the resource capacities passed to the server on
// boot. The same numbers size the session's allocators, so the client
// and server always agree on the address spaces.
type ScsynthConfig struct {
	AudioBuses   int `yaml:"audio_buses"`
	ControlBuses int `yaml:"control_buses"`
	Buffers      int `yaml:"buffers"`
	MaxNodes     int `yaml:"max_nodes"`
	MaxSynthDefs int `yaml:"max_synthdefs"`
	Inputs       int `yaml:"inputs"`
	Outputs      int `yaml:"outputs"`
}

type HandshakeConfig struct {
	ReplyTimeout time.Duration `yaml:"reply_timeout"` // per-attempt wait before re-sending
}

type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	LostAfter    int           `yaml:"lost_after"` // consecutive poll failures before the session counts as lost
}

type HTTPConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
// Capacities match the scsynth built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:   "127.0.0.1:57110",
			Transport: "udp",
			Program:   "scsynth",
		},
		Scsynth: ScsynthConfig{
			AudioBuses:   1024,
			ControlBuses: 16384,
			Buffers:      1024,
			MaxNodes:     1024,
			MaxSynthDefs: 1024,
			Inputs:       2,
			Outputs:      2,
		},
		Handshake: HandshakeConfig{
			ReplyTimeout: 500 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			PollInterval: time.Second,
			ReplyTimeout: 500 * time.Millisecond,
			LostAfter:    3,
		},
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8735,
		},
	}
}

// Load reads a YAML config file over the defaults, so a partial file
// only overrides the keys it mentions.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "udp", "tcp":
	default:
		return fmt.Errorf("config: unsupported transport %q (want udp or tcp)", c.Server.Transport)
	}
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("config: bad server address %q: %w", c.Server.Address, err)
	}
	if c.Scsynth.AudioBuses <= 0 || c.Scsynth.ControlBuses <= 0 || c.Scsynth.Buffers <= 0 {
		return fmt.Errorf("config: resource capacities must be positive")
	}
	if c.Scsynth.Inputs+c.Scsynth.Outputs > c.Scsynth.AudioBuses {
		return fmt.Errorf("config: hardware channels (%d) exceed audio buses (%d)",
			c.Scsynth.Inputs+c.Scsynth.Outputs, c.Scsynth.AudioBuses)
	}
	return nil
}

// ServerPort extracts the numeric port from the server address.
func (c *Config) ServerPort() (int, error) {
	_, portStr, err := net.SplitHostPort(c.Server.Address)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("config: bad server port %q: %w", portStr, err)
	}
	return port, nil
}
