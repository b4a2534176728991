// Package config loads callgate configuration.
//
// Load starts from Default, overlays the YAML file, then applies environment
// overrides named by `env` struct tags. Before the overrides, .env files are
// loaded in this order (earlier files win, already-set variables are kept):
//
//  1. ENV_FILE, if set (only this file is loaded)
//  2. .env.local
//  3. .env
//
// Example:
//
//	CALLGATE_BATCH_SIZE=20
//	CALLGATE_BREAKER_RECOVERY_TIME=30s
//	CALLGATE_METRICS_ADDR=:9100
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/callgate/pkg/gate"
	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// DefaultPath is used when no --config flag or CALLGATE_CONFIG is given.
const DefaultPath = "configs/callgate.yaml"

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"CALLGATE_METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"CALLGATE_METRICS_ADDR"`
}

// AdminConfig controls the admin gRPC service.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" env:"CALLGATE_ADMIN_ENABLED"`
	Addr    string `yaml:"addr" env:"CALLGATE_ADMIN_ADDR"`
}

// ReportConfig controls the stats report file. An empty Path disables it.
type ReportConfig struct {
	Path     string        `yaml:"path" env:"CALLGATE_REPORT_PATH"`
	Interval time.Duration `yaml:"interval" env:"CALLGATE_REPORT_INTERVAL"`
}

// File is the complete configuration. Gate settings sit at the top level.
type File struct {
	Gate    gate.Config   `yaml:",inline"`
	Logging logger.Config `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Admin   AdminConfig   `yaml:"admin"`
	Report  ReportConfig  `yaml:"report"`
}

// Default returns gate defaults, info logging, metrics on :9090 and the
// admin service on 127.0.0.1:50051.
func Default() File {
	return File{
		Gate:    gate.DefaultConfig(),
		Logging: logger.Config{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Admin:   AdminConfig{Enabled: true, Addr: "127.0.0.1:50051"},
		Report:  ReportConfig{Interval: 30 * time.Second},
	}
}

// Validate checks every section. Errors wrap types.ErrInvalidConfig.
func (f File) Validate() error {
	if err := f.Gate.Validate(); err != nil {
		return err
	}
	if f.Metrics.Enabled && f.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics addr is required when metrics are enabled", types.ErrInvalidConfig)
	}
	if f.Admin.Enabled && f.Admin.Addr == "" {
		return fmt.Errorf("%w: admin addr is required when the admin service is enabled", types.ErrInvalidConfig)
	}
	if f.Report.Interval < 0 {
		return fmt.Errorf("%w: report interval must not be negative", types.ErrInvalidConfig)
	}
	return nil
}

// Path returns CALLGATE_CONFIG if set, else fallback.
func Path(fallback string) string {
	if p := os.Getenv("CALLGATE_CONFIG"); p != "" {
		return p
	}
	return fallback
}

// Load reads path over the defaults and applies environment overrides. A
// missing file leaves the defaults in place.
func Load(path string) (File, error) {
	cfg := Default()

	if err := loadEnvFiles(); err != nil {
		return cfg, fmt.Errorf("load environment files: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// ============================================================================
// Environment overrides
// ============================================================================

func applyEnvOverrides(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return applyEnvToStruct(v)
}

func applyEnvToStruct(v reflect.Value) error {
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		if err := setFieldFromString(field, val); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", types.ErrInvalidConfig, name, val, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldFromString(field reflect.Value, val string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(val)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "yes", "on":
				b = true
			case "no", "off":
				b = false
			default:
				return err
			}
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		parts := strings.Split(val, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		field.Set(reflect.ValueOf(parts))
	}
	return nil
}
