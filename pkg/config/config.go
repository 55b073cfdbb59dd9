// Package config loads conductor configuration from YAML or JSON files
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fluxorio/conductor/pkg/planner"
)

// Config is the full conductor configuration.
type Config struct {
	Bus          BusConfig          `yaml:"bus" json:"bus"`
	Registry     RegistryConfig     `yaml:"registry" json:"registry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Planner      planner.Config     `yaml:"planner" json:"planner"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	HistoryCapacity int `yaml:"historyCapacity" json:"historyCapacity"`
}

// RegistryConfig configures the service registry.
type RegistryConfig struct {
	SweepInterval string `yaml:"sweepInterval" json:"sweepInterval"` // duration string
}

// OrchestratorConfig configures plan execution.
type OrchestratorConfig struct {
	DefaultStepTimeout string  `yaml:"defaultStepTimeout" json:"defaultStepTimeout"` // duration string
	StartingConfidence float64 `yaml:"startingConfidence" json:"startingConfidence"`
}

// HTTPConfig configures the observability surface.
type HTTPConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	DebugAddr string `yaml:"debugAddr" json:"debugAddr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bus:      BusConfig{HistoryCapacity: 1000},
		Registry: RegistryConfig{SweepInterval: "30s"},
		Orchestrator: OrchestratorConfig{
			DefaultStepTimeout: "30s",
			StartingConfidence: 0.5,
		},
		Planner: planner.Config{Provider: planner.ProviderOpenAI, Timeout: "60s"},
		HTTP:    HTTPConfig{Addr: ":8080", DebugAddr: ":8081"},
	}
}

// Validate checks duration strings and bounds.
func (c *Config) Validate() error {
	if c.Bus.HistoryCapacity < 0 {
		return fmt.Errorf("bus.historyCapacity must not be negative")
	}
	if c.Registry.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Registry.SweepInterval); err != nil {
			return fmt.Errorf("registry.sweepInterval: %w", err)
		}
	}
	if c.Orchestrator.DefaultStepTimeout != "" {
		if _, err := time.ParseDuration(c.Orchestrator.DefaultStepTimeout); err != nil {
			return fmt.Errorf("orchestrator.defaultStepTimeout: %w", err)
		}
	}
	if c.Orchestrator.StartingConfidence < 0 || c.Orchestrator.StartingConfidence > 1 {
		return fmt.Errorf("orchestrator.startingConfidence must be in [0,1]")
	}
	return nil
}

// SweepInterval returns the parsed registry sweep interval.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Registry.SweepInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// StepTimeout returns the parsed default step timeout.
func (c *Config) StepTimeout() time.Duration {
	d, err := time.ParseDuration(c.Orchestrator.DefaultStepTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Load loads configuration from a file, detecting YAML or JSON by
// extension (YAML by default).
func Load(path string, target interface{}) error {
	if strings.HasSuffix(path, ".json") {
		return LoadJSON(path, target)
	}
	return LoadYAML(path, target)
}

// LoadWithEnv loads configuration from a file and applies environment
// variable overrides of the form PREFIX_FIELD_SUBFIELD.
func LoadWithEnv(path, prefix string, target interface{}) error {
	if err := Load(path, target); err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}

// ApplyEnvOverrides sets struct fields from environment variables using
// reflection.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = "CONDUCTOR"
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		envKey := prefix + "_" + strings.ToUpper(fieldType.Name)
		envKey = strings.ReplaceAll(envKey, "-", "_")

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			if err := applyEnvToStruct(envKey, field.Elem()); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envKey, err)
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var intVal int64
		if _, err := fmt.Sscanf(envValue, "%d", &intVal); err != nil {
			return fmt.Errorf("invalid integer value: %s", envValue)
		}
		field.SetInt(intVal)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var uintVal uint64
		if _, err := fmt.Sscanf(envValue, "%d", &uintVal); err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", envValue)
		}
		field.SetUint(uintVal)
	case reflect.Float32, reflect.Float64:
		var floatVal float64
		if _, err := fmt.Sscanf(envValue, "%f", &floatVal); err != nil {
			return fmt.Errorf("invalid float value: %s", envValue)
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		field.SetBool(strings.ToLower(envValue) == "true" || envValue == "1")
	case reflect.Slice:
		parts := strings.Split(envValue, ",")
		sliceType := field.Type().Elem()
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			elem := reflect.New(sliceType).Elem()
			if err := setFieldFromEnv(elem, strings.TrimSpace(part)); err != nil {
				return err
			}
			slice.Index(i).Set(elem)
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}
