package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the dispatcher master.
type Config struct {
	Listener  ListenerConfig  `yaml:"listener"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Collector CollectorConfig `yaml:"collector"`
	Sink      SinkConfig      `yaml:"sink"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ListenerConfig holds the worker-facing TCP listener configuration.
type ListenerConfig struct {
	Host       string `yaml:"host" env:"DP_LISTENER_HOST"`
	Port       int    `yaml:"port" env:"DP_LISTENER_PORT"`
	MaxWorkers int    `yaml:"max_workers" env:"DP_LISTENER_MAX_WORKERS"`
}

// ProtocolConfig holds wire protocol settings for the distribution phase.
type ProtocolConfig struct {
	Codec        string        `yaml:"codec" env:"DP_PROTOCOL_CODEC"`
	SendMode     string        `yaml:"send_mode" env:"DP_PROTOCOL_SEND_MODE"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"DP_PROTOCOL_WRITE_TIMEOUT"`
}

// CollectorConfig holds settings for draining worker output.
type CollectorConfig struct {
	BufferSize   int           `yaml:"buffer_size" env:"DP_COLLECTOR_BUFFER_SIZE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"DP_COLLECTOR_POLL_INTERVAL"`
	Backoff      time.Duration `yaml:"backoff" env:"DP_COLLECTOR_BACKOFF"`
	MaxWait      time.Duration `yaml:"max_wait" env:"DP_COLLECTOR_MAX_WAIT"`
}

// SinkConfig selects and configures the output sink.
type SinkConfig struct {
	Type          string `yaml:"type" env:"DP_SINK_TYPE"`
	Path          string `yaml:"path" env:"DP_SINK_PATH"`
	RedisAddr     string `yaml:"redis_addr" env:"DP_SINK_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"DP_SINK_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"DP_SINK_REDIS_DB"`
	RedisKey      string `yaml:"redis_key" env:"DP_SINK_REDIS_KEY"`
}

// ControlConfig holds the HTTP control surface configuration.
type ControlConfig struct {
	Enabled      bool          `yaml:"enabled" env:"DP_CONTROL_ENABLED"`
	Address      string        `yaml:"address" env:"DP_CONTROL_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"DP_CONTROL_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"DP_CONTROL_WRITE_TIMEOUT"`
	StatusLines  int           `yaml:"status_lines" env:"DP_CONTROL_STATUS_LINES"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"DP_LOG_LEVEL"`
	Format     string `yaml:"format" env:"DP_LOG_FORMAT"`
	Output     string `yaml:"output" env:"DP_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"DP_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"DP_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"DP_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"DP_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Host:       "0.0.0.0",
			Port:       8000,
			MaxWorkers: 0,
		},
		Protocol: ProtocolConfig{
			Codec:        "framed",
			SendMode:     "sequential",
			WriteTimeout: 30 * time.Second,
		},
		Collector: CollectorConfig{
			BufferSize:   8192,
			PollInterval: 50 * time.Millisecond,
			Backoff:      100 * time.Millisecond,
			MaxWait:      30 * time.Second,
		},
		Sink: SinkConfig{
			Type:     "file",
			Path:     "output.bin",
			RedisKey: "dispatcher:output",
		},
		Control: ControlConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			StatusLines:  500,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "DP_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets dot-notation overrides, e.g. "listener.port" => "9000".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := SetValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("failed to apply override %s: %w", key, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || !strings.HasPrefix(envTag, l.envPrefix) {
			continue
		}

		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("%s: %w", envTag, err)
		}
	}

	return nil
}

// SetValue sets a configuration value by its dot-notation yaml path,
// e.g. "collector.max_wait".
func SetValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("expected %s to be a section, got %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ListenAddress returns host:port for the worker listener.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Listener.Host, c.Listener.Port)
}
