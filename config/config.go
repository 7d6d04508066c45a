package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the configuration reads
const EnvPrefix = "RESPKV_"

// Config is the configuration of a node
type Config struct {
	Port       int    `env:"PORT" envDefault:"6379" yaml:"port" validate:"min=1,max=65535"`
	Bind       string `env:"BIND" envDefault:"0.0.0.0" yaml:"bind" validate:"required"`
	Dir        string `env:"DIR" envDefault:"/tmp/redis-files" yaml:"dir" validate:"required"`
	DBFilename string `env:"DBFILENAME" envDefault:"dump.rdb" yaml:"dbfilename" validate:"required"`
	// ReplicaOf is "host port" of the master; empty runs the node as a master
	ReplicaOf string `env:"REPLICAOF" yaml:"replicaof" validate:"omitempty,replicaof"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" yaml:"log-level" validate:"oneof=debug info error"`
	MetricsAddr string `env:"METRICS_ADDR" yaml:"metrics-addr" validate:"omitempty,hostname_port"`

	// ReadTimeout closes idle client connections; zero disables it
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"0s" yaml:"read-timeout" validate:"min=0"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s" yaml:"write-timeout" validate:"min=0"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s" yaml:"connect-timeout" validate:"min=0"`
	SyncTimeout    time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s" yaml:"sync-timeout" validate:"min=0"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"100ms" yaml:"sweep-interval" validate:"min=0"`
	// Shards is the number of storage shards; zero keeps the storage default of 64
	Shards int `env:"SHARDS" envDefault:"0" yaml:"shards" validate:"min=0,max=65536"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("replicaof", func(fl validator.FieldLevel) bool {
		_, err := parseReplicaOf(fl.Field().String())
		return err == nil
	})
}

// Default returns the configuration built from defaults alone
func Default() *Config {
	cfg := &Config{}
	// envDefault values apply even when no variable is set
	_ = env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: map[string]string{}})
	return cfg
}

// Load builds the configuration from, lowest precedence first: defaults,
// .env and .env.local, RESPKV_ environment variables, then the keys set in
// v by a config file or flags. v may be nil.
func Load(v *viper.Viper) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if v != nil {
		cfg.overlay(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay copies every key set in v over the current values
func (c *Config) overlay(v *viper.Viper) {
	if v.IsSet("port") {
		c.Port = v.GetInt("port")
	}
	if v.IsSet("bind") {
		c.Bind = v.GetString("bind")
	}
	if v.IsSet("dir") {
		c.Dir = v.GetString("dir")
	}
	if v.IsSet("dbfilename") {
		c.DBFilename = v.GetString("dbfilename")
	}
	if v.IsSet("replicaof") {
		c.ReplicaOf = v.GetString("replicaof")
	}
	if v.IsSet("log-level") {
		c.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("metrics-addr") {
		c.MetricsAddr = v.GetString("metrics-addr")
	}
	if v.IsSet("read-timeout") {
		c.ReadTimeout = v.GetDuration("read-timeout")
	}
	if v.IsSet("write-timeout") {
		c.WriteTimeout = v.GetDuration("write-timeout")
	}
	if v.IsSet("connect-timeout") {
		c.ConnectTimeout = v.GetDuration("connect-timeout")
	}
	if v.IsSet("sync-timeout") {
		c.SyncTimeout = v.GetDuration("sync-timeout")
	}
	if v.IsSet("sweep-interval") {
		c.SweepInterval = v.GetDuration("sweep-interval")
	}
	if v.IsSet("shards") {
		c.Shards = v.GetInt("shards")
	}
}

// Validate checks every field
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ListenAddr returns the address the server binds
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// MasterAddr returns the master's host:port and whether the node is a replica
func (c *Config) MasterAddr() (string, bool) {
	if c.ReplicaOf == "" {
		return "", false
	}
	addr, err := parseReplicaOf(c.ReplicaOf)
	if err != nil {
		return "", false
	}
	return addr, true
}

// parseReplicaOf turns "host port" into host:port
func parseReplicaOf(s string) (string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", fmt.Errorf("expected \"host port\", got %q", s)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid master port %q", fields[1])
	}
	return net.JoinHostPort(fields[0], fields[1]), nil
}

// Get returns a parameter by its CONFIG GET name
func (c *Config) Get(name string) (string, bool) {
	switch name {
	case "port":
		return strconv.Itoa(c.Port), true
	case "bind":
		return c.Bind, true
	case "dir":
		return c.Dir, true
	case "dbfilename":
		return c.DBFilename, true
	case "replicaof":
		return c.ReplicaOf, true
	case "loglevel":
		return c.LogLevel, true
	default:
		return "", false
	}
}

// Names lists the parameters Get knows, sorted
func (c *Config) Names() []string {
	return []string{"bind", "dbfilename", "dir", "loglevel", "port", "replicaof"}
}

// Dump renders the configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// formatValidationError converts validation errors to a user-friendly form
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%w: %s is required", ErrInvalid, field)
		case "min":
			return fmt.Errorf("%w: %s must be at least %s", ErrInvalid, field, e.Param())
		case "max":
			return fmt.Errorf("%w: %s must not exceed %s", ErrInvalid, field, e.Param())
		case "oneof":
			return fmt.Errorf("%w: %s must be one of %s", ErrInvalid, field, e.Param())
		case "replicaof":
			return fmt.Errorf("%w: %s must be \"host port\"", ErrInvalid, field)
		default:
			return fmt.Errorf("%w: %s failed %s validation", ErrInvalid, field, e.Tag())
		}
	}
	return err
}

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")
