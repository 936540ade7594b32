package config

import (
	"fmt"
	"time"

	"github.com/zde37/chordring/pkg/hash"
)

// Config holds all configuration for a Chord node
type Config struct {
	// Node identification
	NodeID string // Optional hex identifier; derived from Host:Port when empty
	Host   string
	Port   int

	// HTTP API
	HTTPPort int

	// Bootstrap
	BootstrapNodes []string

	// Authentication
	AuthToken string // Shared secret for node authentication

	// Chord parameters
	IDBits            int // Identifier space size in bits
	FingerTableSize   int // Number of finger slots (m)
	FingerOffset      int // Exponent of the first finger: start(i) = n + 2^(FingerOffset+i)
	SuccessorListSize int // Number of successors to maintain (r)

	// Maintenance intervals
	StabilizeInterval        time.Duration
	FixFingersInterval       time.Duration
	FixSuccessorInterval     time.Duration
	CheckPredecessorInterval time.Duration

	RPCTimeout time.Duration // Timeout for every outbound RPC

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // Optional rotated log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                     "127.0.0.1",
		Port:                     8440,
		HTTPPort:                 8080,
		IDBits:                   hash.DefaultBits,
		FingerTableSize:          hash.DefaultBits,
		FingerOffset:             0,
		SuccessorListSize:        4,
		StabilizeInterval:        1 * time.Second,
		FixFingersInterval:       500 * time.Millisecond,
		FixSuccessorInterval:     1 * time.Second,
		CheckPredecessorInterval: 2 * time.Second,
		RPCTimeout:               3 * time.Second,
		LogLevel:                 "info",
		LogFormat:                "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.IDBits <= 0 || c.IDBits > hash.MaxBits {
		return fmt.Errorf("IDBits must be between 1 and %d, got %d", hash.MaxBits, c.IDBits)
	}
	if c.FingerTableSize <= 0 {
		return fmt.Errorf("FingerTableSize must be positive, got %d", c.FingerTableSize)
	}
	if c.FingerOffset < 0 {
		return fmt.Errorf("FingerOffset cannot be negative, got %d", c.FingerOffset)
	}
	if c.FingerOffset+c.FingerTableSize > c.IDBits {
		return fmt.Errorf("FingerOffset+FingerTableSize (%d) exceeds IDBits (%d)",
			c.FingerOffset+c.FingerTableSize, c.IDBits)
	}
	if c.SuccessorListSize <= 0 {
		return fmt.Errorf("SuccessorListSize must be positive, got %d", c.SuccessorListSize)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPCTimeout must be positive, got %s", c.RPCTimeout)
	}

	intervals := map[string]time.Duration{
		"StabilizeInterval":        c.StabilizeInterval,
		"FixFingersInterval":       c.FixFingersInterval,
		"FixSuccessorInterval":     c.FixSuccessorInterval,
		"CheckPredecessorInterval": c.CheckPredecessorInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.NodeID != "" {
		if _, err := hash.MustSpace(c.IDBits).ParseID(c.NodeID); err != nil {
			return fmt.Errorf("invalid NodeID: %w", err)
		}
	}
	return nil
}

// Space returns the identifier space described by IDBits.
func (c *Config) Space() (hash.Space, error) {
	return hash.NewSpace(c.IDBits)
}

// Address returns the node's listen address in "host:port" format.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
