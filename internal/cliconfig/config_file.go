package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// FileConfig represents the TOML configuration file structure.
type FileConfig struct {
	Server string `toml:"server,omitempty"`
	Input  string `toml:"input,omitempty"`
	Output string `toml:"output,omitempty"`

	Operation string `toml:"operation,omitempty"`
	CRS       string `toml:"crs,omitempty"`

	RouteIDColumn string `toml:"route_id_column,omitempty"`
	LatColumn     string `toml:"lat_column,omitempty"`
	LonColumn     string `toml:"lon_column,omitempty"`

	ChunkSize           int64  `toml:"chunk_size,omitempty"`
	ConcurrentThreshold int64  `toml:"concurrent_threshold,omitempty"`
	DialTimeout         string `toml:"dial_timeout,omitempty"`

	Trace   *bool `toml:"trace,omitempty"`
	Verbose *bool `toml:"verbose,omitempty"`
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "lrs-client.toml"
	}
	return filepath.Join(home, ".lrs-client", "config.toml")
}

// FileExists checks whether a file exists at the given path.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// LoadFileConfig reads and parses a TOML configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// ApplyFileConfig merges file configuration into cfg. Values set explicitly
// on the command line (per the changed map) take precedence over the file.
func ApplyFileConfig(cfg *Config, fc *FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("server", fc.Server, &cfg.Server)
	s.setString("input", fc.Input, &cfg.Input)
	s.setString("output", fc.Output, &cfg.Output)
	s.setString("operation", fc.Operation, &cfg.Operation)
	s.setString("crs", fc.CRS, &cfg.CRS)
	s.setString("route-id-column", fc.RouteIDColumn, &cfg.RouteIDColumn)
	s.setString("lat-column", fc.LatColumn, &cfg.LatColumn)
	s.setString("lon-column", fc.LonColumn, &cfg.LonColumn)
	s.setInt64("chunk-size", fc.ChunkSize, &cfg.ChunkSize)
	s.setInt64("concurrent-threshold", fc.ConcurrentThreshold, &cfg.ConcurrentThreshold)
	if err := s.setDuration("dial-timeout", fc.DialTimeout, &cfg.DialTimeout); err != nil {
		return err
	}
	s.setBool("trace", fc.Trace, &cfg.Trace)
	s.setBool("verbose", fc.Verbose, &cfg.Verbose)

	return nil
}
