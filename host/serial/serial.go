// Package serial opens the host end of the link to a controller board.
package serial

import (
	"io"
	"time"
)

// Port is a serial link to the board. Read returns (0, nil) when the read
// timeout expires with nothing received.
type Port interface {
	io.ReadWriteCloser

	// Flush discards buffered input and output
	Flush() error
}

// Config holds serial port configuration.
type Config struct {
	// Device path, e.g. "/dev/ttyACM0" or "COM3"
	Device string

	// Baud rate; USB CDC links ignore it
	Baud int

	// ReadTimeout bounds each Read. Zero blocks.
	ReadTimeout time.Duration
}

// Defaults
const (
	DefaultBaud        = 250000
	DefaultReadTimeout = 100 * time.Millisecond
)

// DefaultConfig returns the configuration used when only a device is given.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
	}
}
