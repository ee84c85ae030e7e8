package projcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/basewarphq/deploygate/dgtime"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
)

const configFile = "deploygate.toml"

type Config struct {
	// Root is the directory holding deploygate.toml, or the working directory
	// when there is none.
	Root         string                       `toml:"-"`
	Found        bool                         `toml:"-"`
	App          AppConfig                    `toml:"app"`
	Schedule     ScheduleConfig               `toml:"schedule"`
	Environments map[string]EnvironmentConfig `toml:"environments"`
	Output       OutputConfig                 `toml:"output"`
	Audit        AuditConfig                  `toml:"audit"`
	Env          Env                          `toml:"-"`
}

type AppConfig struct {
	Name string `toml:"name" validate:"required"`
	// ID is the short application identifier used in CDK qualifiers.
	ID string `toml:"id" validate:"required,alphanum,max=6"`
}

type ScheduleConfig struct {
	Timezone string `toml:"timezone"`
}

type EnvironmentConfig struct {
	ID string `toml:"id" validate:"required,alphanum,len=3"`
}

type OutputConfig struct {
	DistDir string `toml:"dist_dir"`
}

type AuditConfig struct {
	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`
}

// Env is the environment overlay. Values here win over deploygate.toml.
type Env struct {
	GitHubOutput string        `env:"GITHUB_OUTPUT"`
	LogLevel     zapcore.Level `env:"DEPLOYGATE_LOG_LEVEL" envDefault:"info"`
	Timezone     string        `env:"DEPLOYGATE_TIMEZONE"`
	OtelExporter string        `env:"DEPLOYGATE_OTEL_EXPORTER" envDefault:"none"`
	AuditBucket  string        `env:"DEPLOYGATE_AUDIT_BUCKET"`
}

// Environment is a resolved deployment environment.
type Environment struct {
	Name string
	ID   string
}

// defaultEnvironments are used when deploygate.toml declares none.
var defaultEnvironments = map[string]EnvironmentConfig{
	"development": {ID: "dev"},
	"testplan":    {ID: "tpe"},
	"experiment":  {ID: "xpr"},
	"production":  {ID: "prd"},
}

const defaultDistDir = "dist"

func Load() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadDir(dir, nil)
}

// LoadDir loads the configuration found at or above dir. A nil environ reads
// the process environment.
func LoadDir(dir string, environ map[string]string) (*Config, error) {
	cfg := Config{Root: dir}

	root, found := findRoot(dir)
	if found {
		if _, err := toml.DecodeFile(filepath.Join(root, configFile), &cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", configFile)
		}
		cfg.Root = root
		cfg.Found = true
	}

	if err := env.ParseWithOptions(&cfg.Env, env.Options{Environment: environ}); err != nil {
		return nil, errors.Wrap(err, "parsing environment")
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", configFile)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Env.Timezone != "" {
		c.Schedule.Timezone = c.Env.Timezone
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = dgtime.DefaultLocation
	}
	if c.Env.AuditBucket != "" {
		c.Audit.Bucket = c.Env.AuditBucket
	}
	if c.Output.DistDir == "" {
		c.Output.DistDir = defaultDistDir
	}
	if len(c.Environments) == 0 {
		c.Environments = make(map[string]EnvironmentConfig, len(defaultEnvironments))
		for name, e := range defaultEnvironments {
			c.Environments[name] = e
		}
	}
}

func (c *Config) validate() error {
	if _, err := dgtime.LoadLocation(c.Schedule.Timezone); err != nil {
		return errors.Wrap(err, "schedule.timezone")
	}
	if filepath.IsAbs(c.Output.DistDir) {
		return errors.Newf("output.dist_dir must be relative, got %q", c.Output.DistDir)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for _, name := range c.EnvironmentNames() {
		if err := validate.Struct(c.Environments[name]); err != nil {
			return errors.Newf("environments.%s: %s", name, formatValidationErrors(err))
		}
	}
	return nil
}

// RequireApp checks the [app] table, which the IAM and CDK commands need.
func (c *Config) RequireApp() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c.App); err != nil {
		if !c.Found {
			return errors.Newf("could not find %s in any parent directory", configFile)
		}
		return errors.Newf("invalid %s [app]: %s", configFile, formatValidationErrors(err))
	}
	return nil
}

// Clock returns a clock in the configured timezone.
func (c *Config) Clock() (*dgtime.Clock, error) {
	loc, err := dgtime.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, err
	}
	return dgtime.NewClock(loc), nil
}

// Environment resolves an environment by name, case-insensitively.
func (c *Config) Environment(name string) (Environment, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	e, ok := c.Environments[key]
	if !ok {
		return Environment{}, errors.Newf("unknown environment %q (known: %s)", name, strings.Join(c.EnvironmentNames(), ", "))
	}
	return Environment{Name: key, ID: e.ID}, nil
}

func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) DistDir() string {
	return filepath.Join(c.Root, c.Output.DistDir)
}

// OutputPath is where validation facts are exported: $GITHUB_OUTPUT when
// set, otherwise GITHUB_OUTPUT in the dist directory.
func (c *Config) OutputPath() string {
	if c.Env.GitHubOutput != "" {
		return c.Env.GitHubOutput
	}
	return filepath.Join(c.DistDir(), "GITHUB_OUTPUT")
}

func formatValidationErrors(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		msgs = append(msgs, formatValidationError(e))
	}
	return strings.Join(msgs, "; ")
}

func formatValidationError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s exceeds maximum length of %s (got %q)", field, e.Param(), e.Value())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters (got %q)", field, e.Param(), e.Value())
	case "alphanum":
		return fmt.Sprintf("%s must be alphanumeric (got %q)", field, e.Value())
	default:
		return fmt.Sprintf("%s failed validation %q", field, e.Tag())
	}
}

func findRoot(dir string) (string, bool) {
	for {
		if _, err := os.Stat(filepath.Join(dir, configFile)); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
