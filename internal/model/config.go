package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Enum helpers.
const (
	DefaultSidecarName = "server"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	LogFormatJSON = "json"
	LogFormatText = "text"

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type Config struct {
	Version  int      `yaml:"version"` // fixed 0 for now
	Sidecar  Sidecar  `yaml:"sidecar"`
	Shutdown Shutdown `yaml:"shutdown"`
	Log      Log      `yaml:"log"`
	Metrics  *Metrics `yaml:"metrics,omitempty"`
}

// Sidecar describes the bundled server process.
type Sidecar struct {
	Name         string            `yaml:"name"`                    // logical name, e.g. server
	Dir          *string           `yaml:"dir,omitempty"`           // bundled binaries, default executable dir
	Args         []string          `yaml:"args,omitempty"`          // default none
	Env          map[string]string `yaml:"env,omitempty"`           // $VAR values are expanded
	Cwd          *string           `yaml:"cwd,omitempty"`           // working directory
	ProcessGroup *bool             `yaml:"process_group,omitempty"` // unix only, default true
}

// Shutdown controls how the sidecar is terminated on exit.
type Shutdown struct {
	// Grace, when positive, makes the supervisor send a polite signal first and
	// kill only after the grace period. Zero kills immediately.
	Grace time.Duration `yaml:"grace,omitempty"`
}

type Log struct {
	Level  string `yaml:"level"`  // "debug"|"info"|"warn"|"error"
	Format string `yaml:"format"` // "json"|"text"
	Output string `yaml:"output"` // "stderr"|"stdout"|"discard"|path
}

// Metrics exposes prometheus metrics when Listen is set.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the configuration written on the first start.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Sidecar: Sidecar{
			Name:         DefaultSidecarName,
			ProcessGroup: ptr(true),
		},
		Log: Log{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			Output: LogStderr,
		},
	}
}

// LoadConfig decodes YAML from r, fills defaults and validates the result.
// Unknown fields are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, ErrEmptyConfig
		}
		return Config{}, fmt.Errorf("decoding yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteConfig stores cfg as YAML.
func WriteConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func (c *Config) applyDefaults() {
	if c.Sidecar.ProcessGroup == nil {
		c.Sidecar.ProcessGroup = ptr(true)
	}
	if c.Log.Level == "" {
		c.Log.Level = LogLevelInfo
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatJSON
	}
	if c.Log.Output == "" {
		c.Log.Output = LogStderr
	}
}

// Validate returns all problems found in c joined into a single error.
func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("%w: %d, expected 0", ErrUnsupportedVersion, c.Version))
	}
	if strings.TrimSpace(c.Sidecar.Name) == "" {
		errs = append(errs, &FieldError{Path: "sidecar.name", Message: "is required"})
	} else if strings.ContainsAny(c.Sidecar.Name, `/\`) {
		errs = append(errs, &FieldError{Path: "sidecar.name", Message: "must be a name, not a path"})
	}
	if c.Shutdown.Grace < 0 {
		errs = append(errs, &FieldError{Path: "shutdown.grace", Message: "must not be negative"})
	}
	switch c.Log.Level {
	case "", LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		errs = append(errs, &FieldError{Path: "log.level", Message: "possible values (debug,info,warn,error): got " + c.Log.Level})
	}
	switch c.Log.Format {
	case "", LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, &FieldError{Path: "log.format", Message: "possible values (json,text): got " + c.Log.Format})
	}
	if c.Metrics != nil && strings.TrimSpace(c.Metrics.Listen) == "" {
		errs = append(errs, &FieldError{Path: "metrics.listen", Message: "is required and must be non-empty"})
	}
	return errors.Join(errs...)
}

// SidecarEnv returns the extra environment of the sidecar as KEY=value pairs.
// Values starting with $ are expanded from the current environment.
func (c Config) SidecarEnv() []string {
	env := make([]string, 0, len(c.Sidecar.Env))
	for k, v := range c.Sidecar.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// Get dereferences pt, returning the zero value for nil.
func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
