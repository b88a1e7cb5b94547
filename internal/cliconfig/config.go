package cliconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultServer is the default exchange service address.
const DefaultServer = "127.0.0.1:50051"

// Config holds CLI configuration for lrs-client.
type Config struct {
	Server string
	Input  string
	Output string

	Operation string
	CRS       string

	RouteIDColumn string
	LatColumn     string
	LonColumn     string

	ChunkSize           int64
	ConcurrentThreshold int64
	DialTimeout         time.Duration

	Trace   bool
	Verbose bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Server:        DefaultServer,
		Operation:     "calculate_m_value",
		CRS:           "EPSG:4326",
		RouteIDColumn: "ROUTEID",
		LatColumn:     "LAT",
		LonColumn:     "LON",
		ChunkSize:     10000,
		DialTimeout:   10 * time.Second,
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("input is required")
	}
	if c.Output == "" {
		c.Output = deriveOutputPath(c.Input)
	}
	if c.Server == "" {
		c.Server = DefaultServer
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk-size must be positive")
	}
	return nil
}

// deriveOutputPath appends _results before the parquet extension.
func deriveOutputPath(input string) string {
	base := strings.TrimSuffix(input, ".parquet")
	return base + "_results.parquet"
}

var logger zerolog.Logger

func init() {
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	return logger
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt64 sets an int64 value if positive and flag not changed.
func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}
