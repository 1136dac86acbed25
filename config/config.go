// Package config loads datalink settings from the environment and an
// optional config file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/gigapi/gigapi-datalink/frame"
)

const EnvPrefix = "DX"

type Settings struct {
	DisplayMaxRows    int    `mapstructure:"display_max_rows"`
	DisplayMaxColumns int    `mapstructure:"display_max_columns"`
	MediaType         string `mapstructure:"media_type"`
	EnableDatalink    bool   `mapstructure:"enable_datalink"`
	EnableAssignment  bool   `mapstructure:"enable_assignment"`
	// DataDir holds the DuckDB file; empty keeps everything in memory.
	DataDir        string `mapstructure:"data_dir"`
	DBFile         string `mapstructure:"db_file"`
	MaxDisplays    int    `mapstructure:"max_displays"`
	AsyncPersist   bool   `mapstructure:"async_persist"`
	SamplingMethod string `mapstructure:"sampling_method"`
	Port           int    `mapstructure:"port"`
	LogLevel       string `mapstructure:"log_level"`
}

// Config is the process-wide settings, filled by InitConfig.
var Config *Settings

var defaults = map[string]any{
	"display_max_rows":    100_000,
	"display_max_columns": 50,
	"media_type":          "application/vnd.dex.v1+json",
	"enable_datalink":     true,
	"enable_assignment":   true,
	"data_dir":            "",
	"db_file":             "datalink.duckdb",
	"max_displays":        256,
	"async_persist":       false,
	"sampling_method":     string(frame.SampleStride),
	"port":                7971,
	"log_level":           "info",
}

// Default returns the built-in settings, ignoring the environment.
func Default() *Settings {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	s := &Settings{}
	_ = v.Unmarshal(s)
	return s
}

// Load reads settings from DX_* environment variables and, when path is
// not empty, from that config file.
func Load(path string) (*Settings, error) {
	return load(viper.New(), path)
}

// InitConfig loads settings into Config.
func InitConfig(path string) (*Settings, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	Config = s
	return s, nil
}

func load(v *viper.Viper, path string) (*Settings, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the engine cannot run with.
func (s *Settings) Validate() error {
	if _, err := frame.ParseSampleMethod(s.SamplingMethod); err != nil {
		return fmt.Errorf("sampling_method: %w", err)
	}
	if s.DisplayMaxRows < 0 || s.DisplayMaxColumns < 0 {
		return fmt.Errorf("display limits must not be negative")
	}
	if s.DBFile == "" {
		return fmt.Errorf("db_file must not be empty")
	}
	return nil
}

// Sampling returns the parsed sampling method.
func (s *Settings) Sampling() frame.SampleMethod {
	m, err := frame.ParseSampleMethod(s.SamplingMethod)
	if err != nil {
		return frame.SampleStride
	}
	return m
}
