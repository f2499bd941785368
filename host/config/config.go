// Package config loads the JSON configuration of the spictl host tool.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gospi/core"
	"gospi/host/mcu"
	"gospi/host/serial"
)

// Config is the host tool configuration.
type Config struct {
	Serial SerialConfig `json:"serial"`
	Bus    BusConfig    `json:"bus"`
	Sim    SimConfig    `json:"sim"`

	// ResponseTimeoutMs bounds the wait for each command response
	ResponseTimeoutMs int `json:"response_timeout_ms"`
}

// SerialConfig selects the link to the board.
type SerialConfig struct {
	Device        string `json:"device"`
	Baud          int    `json:"baud"`
	ReadTimeoutMs int    `json:"read_timeout_ms"`
}

// BusConfig describes the SPI device commands are sent to.
type BusConfig struct {
	OID          uint8  `json:"oid"`
	ChipSelect   uint8  `json:"chip_select"`
	CSActiveHigh bool   `json:"cs_active_high"`
	Mode         uint8  `json:"mode"`
	RateHz       uint32 `json:"rate_hz"`
}

// SimConfig describes the simulated board used instead of a serial link.
type SimConfig struct {
	Compatible string `json:"compatible"`
	FlashSize  int    `json:"flash_size"`
	FlashID    string `json:"flash_id"` // three hex bytes, e.g. "ef4018"
}

// LoadConfig parses a JSON configuration and fills in defaults.
func LoadConfig(jsonData []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills in missing configuration values
func applyDefaults(cfg *Config) {
	if cfg.Serial.Device == "" {
		cfg.Serial.Device = "/dev/ttyACM0"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = serial.DefaultBaud
	}
	if cfg.Serial.ReadTimeoutMs == 0 {
		cfg.Serial.ReadTimeoutMs = int(serial.DefaultReadTimeout / time.Millisecond)
	}
	if cfg.ResponseTimeoutMs == 0 {
		cfg.ResponseTimeoutMs = int(mcu.DefaultResponseTimeout / time.Millisecond)
	}

	if cfg.Bus.RateHz == 0 {
		cfg.Bus.RateHz = 1_000_000
	}

	if cfg.Sim.Compatible == "" {
		cfg.Sim.Compatible = "mediatek,ipm-spi-quad"
	}
	if cfg.Sim.FlashSize == 0 {
		cfg.Sim.FlashSize = 1 << 20
	}
	if cfg.Sim.FlashID == "" {
		cfg.Sim.FlashID = "ef4014"
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Bus.Mode > 3 {
		return fmt.Errorf("bus mode %d out of range", c.Bus.Mode)
	}
	if c.Serial.Baud < 0 || c.Serial.ReadTimeoutMs < 0 || c.ResponseTimeoutMs < 0 {
		return fmt.Errorf("negative serial setting")
	}
	if _, err := core.ProfileFor(c.Sim.Compatible); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	if c.Sim.FlashSize < 0 || c.Sim.FlashSize&(c.Sim.FlashSize-1) != 0 {
		return fmt.Errorf("sim: flash size %d is not a power of two", c.Sim.FlashSize)
	}
	if _, err := c.Sim.ID(); err != nil {
		return err
	}
	return nil
}

// SerialPort returns the serial port configuration.
func (c *Config) SerialPort() *serial.Config {
	return &serial.Config{
		Device:      c.Serial.Device,
		Baud:        c.Serial.Baud,
		ReadTimeout: time.Duration(c.Serial.ReadTimeoutMs) * time.Millisecond,
	}
}

// ResponseTimeout returns the per-command response bound.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

// MCUBus returns the bus configuration in the form the board expects.
func (c *Config) MCUBus() mcu.Bus {
	return mcu.Bus{
		OID:          c.Bus.OID,
		ChipSelect:   c.Bus.ChipSelect,
		CSActiveHigh: c.Bus.CSActiveHigh,
		Mode:         c.Bus.Mode,
		Rate:         c.Bus.RateHz,
	}
}

// ID decodes FlashID.
func (s SimConfig) ID() ([3]byte, error) {
	var id [3]byte
	b, err := hex.DecodeString(s.FlashID)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("sim: flash id %q is not three hex bytes", s.FlashID)
	}
	copy(id[:], b)
	return id, nil
}
