package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all cTCP tunables. It is read once at startup and treated as
// immutable afterwards; per-connection engines copy the subset they need.
type Config struct {
	ServerIP   string `yaml:"serverIP"`
	ServerPort int    `yaml:"serverPort"`

	SendWindow      int  `yaml:"sendWindow"`      // local send buffer size in bytes
	RecvWindow      int  `yaml:"recvWindow"`      // local receive buffer size in bytes
	RtTimeout       int  `yaml:"rtTimeout"`       // retransmission timeout in milliseconds
	MaxRetransmits  int  `yaml:"maxRetransmits"`  // retransmissions per segment before the connection is torn down
	PreferredMSS    int  `yaml:"preferredMSS"`    // payload bytes per segment
	PayloadPoolSize int  `yaml:"payloadPoolSize"` // number of payload chunks in the ring pool
	TickInterval    int  `yaml:"tickInterval"`    // retransmission timer tick in milliseconds
	Debug           bool `yaml:"debug"`
}

var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		ServerIP:        "127.0.0.1",
		ServerPort:      7080,
		SendWindow:      8192,
		RecvWindow:      8192,
		RtTimeout:       200,
		MaxRetransmits:  5,
		PreferredMSS:    1440,
		PayloadPoolSize: 2000,
		TickInterval:    40,
		Debug:           false,
	}
}

// ReadConfig loads a YAML config file on top of the defaults.
func ReadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", filename)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SendWindow <= 0 || c.RecvWindow <= 0 {
		return fmt.Errorf("window sizes must be positive (sendWindow=%d, recvWindow=%d)", c.SendWindow, c.RecvWindow)
	}
	if c.RtTimeout <= 0 {
		return fmt.Errorf("rtTimeout must be positive, got %d", c.RtTimeout)
	}
	if c.MaxRetransmits <= 0 {
		return fmt.Errorf("maxRetransmits must be positive, got %d", c.MaxRetransmits)
	}
	if c.PreferredMSS <= 0 {
		return fmt.Errorf("preferredMSS must be positive, got %d", c.PreferredMSS)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tickInterval must be positive, got %d", c.TickInterval)
	}
	return nil
}
