package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/aminovpavel/lorapipe/internal/observability"
)

const (
	envPrefix      = "LORAPIPE_"
	envConfigFile  = envPrefix + "CONFIG_FILE"
	defaultCfgFile = "config.yaml"
)

// App contains the full application configuration.
type App struct {
	Name     string `yaml:"name" toml:"name"`
	LogLevel string `yaml:"log_level" toml:"log_level"`
	LogJSON  bool   `yaml:"log_json" toml:"log_json"`

	DatabaseDriver          string `yaml:"database_driver" toml:"database_driver"`
	DatabaseFile            string `yaml:"database_file" toml:"database_file"`
	DatabaseDSN             string `yaml:"database_dsn" toml:"database_dsn"`
	DatabaseSchema          string `yaml:"database_schema" toml:"database_schema"`
	DatabaseMaxOpenConns    int    `yaml:"database_max_open_conns" toml:"database_max_open_conns"`
	DatabaseMaxIdleConns    int    `yaml:"database_max_idle_conns" toml:"database_max_idle_conns"`
	DatabaseConnMaxLifetime int    `yaml:"database_conn_max_lifetime" toml:"database_conn_max_lifetime"`
	MaintenanceInterval     int    `yaml:"maintenance_interval" toml:"maintenance_interval"`

	MQTTBrokerAddress string `yaml:"mqtt_broker_address" toml:"mqtt_broker_address"`
	MQTTPort          int    `yaml:"mqtt_port" toml:"mqtt_port"`
	MQTTUsername      string `yaml:"mqtt_username" toml:"mqtt_username"`
	MQTTPassword      string `yaml:"mqtt_password" toml:"mqtt_password"`
	MQTTClientID      string `yaml:"mqtt_client_id" toml:"mqtt_client_id"`
	MQTTTopic         string `yaml:"mqtt_topic" toml:"mqtt_topic"`
	MQTTQoS           int    `yaml:"mqtt_qos" toml:"mqtt_qos"`
	PublishTimeout    int    `yaml:"publish_timeout" toml:"publish_timeout"`

	OutputTimezone   string `yaml:"output_timezone" toml:"output_timezone"`
	CayennePorts     []int  `yaml:"cayenne_ports" toml:"cayenne_ports"`
	MaxEnvelopeBytes int    `yaml:"max_envelope_bytes" toml:"max_envelope_bytes"`

	APIListenAddress string `yaml:"api_listen_address" toml:"api_listen_address"`
	APIKey           string `yaml:"api_key" toml:"api_key"`
	APIMaxPageSize   int    `yaml:"api_max_page_size" toml:"api_max_page_size"`

	CacheEnabled    bool   `yaml:"cache_enabled" toml:"cache_enabled"`
	RedisAddress    string `yaml:"redis_address" toml:"redis_address"`
	RedisUsername   string `yaml:"redis_username" toml:"redis_username"`
	RedisPassword   string `yaml:"redis_password" toml:"redis_password"`
	RedisDB         int    `yaml:"redis_db" toml:"redis_db"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds" toml:"cache_ttl_seconds"`

	ObservabilityAddress string `yaml:"observability_address" toml:"observability_address"`

	// ConfigPath is the file the configuration was read from, empty when defaults/env only.
	ConfigPath string `yaml:"-" toml:"-"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                    "lorapipe",
		LogLevel:                "INFO",
		DatabaseDriver:          "sqlite",
		DatabaseFile:            "lorapipe.db",
		DatabaseMaxOpenConns:    10,
		DatabaseMaxIdleConns:    2,
		DatabaseConnMaxLifetime: 1800,
		MaintenanceInterval:     360,
		MQTTBrokerAddress:       "127.0.0.1",
		MQTTPort:                1883,
		MQTTTopic:               "application/+/device/+/rx",
		MQTTQoS:                 1,
		PublishTimeout:          10,
		OutputTimezone:          "+07:00",
		MaxEnvelopeBytes:        64 * 1024,
		APIListenAddress:        ":8080",
		APIMaxPageSize:          500,
		CacheTTLSeconds:         5,
		ObservabilityAddress:    ":2112",
	}
}

func (c *App) applyFile(path string) error {
	// Only an explicit argument must exist; env and cwd lookups fall back to defaults.
	explicit := path != ""
	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	if path == "" {
		path = defaultCfgFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("config: parse toml %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	}

	c.ConfigPath = path
	return nil
}

// applyEnv overrides fields from LORAPIPE_<YAML_KEY> variables.
func (c *App) applyEnv() error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		raw, ok := os.LookupEnv(envPrefix + strings.ToUpper(tag))
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("config: env %s%s: %w", envPrefix, strings.ToUpper(tag), err)
			}
			fv.SetInt(int64(n))
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("config: env %s%s: %w", envPrefix, strings.ToUpper(tag), err)
			}
			fv.SetBool(b)
		case reflect.Slice:
			ints, err := parseIntList(raw)
			if err != nil {
				return fmt.Errorf("config: env %s%s: %w", envPrefix, strings.ToUpper(tag), err)
			}
			fv.Set(reflect.ValueOf(ints))
		}
	}
	return nil
}

func parseIntList(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Validate reports configuration errors that would prevent the service from starting.
func (c *App) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.DatabaseDriver)) {
	case "sqlite":
		if strings.TrimSpace(c.DatabaseFile) == "" {
			return errors.New("config: database_file must be set for the sqlite driver")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return errors.New("config: database_dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unsupported database_driver %q", c.DatabaseDriver)
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("config: mqtt_port %d out of range", c.MQTTPort)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("config: mqtt_qos %d out of range", c.MQTTQoS)
	}
	if _, err := ParseLocation(c.OutputTimezone); err != nil {
		return err
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.APIMaxPageSize < 1 || c.APIMaxPageSize > 500 {
		return fmt.Errorf("config: api_max_page_size %d out of range 1..500", c.APIMaxPageSize)
	}
	if c.CacheEnabled && strings.TrimSpace(c.RedisAddress) == "" {
		return errors.New("config: redis_address must be set when cache_enabled is true")
	}
	return nil
}

// Location returns the configured output timezone, falling back to UTC+7 on parse errors.
func (c *App) Location() *time.Location {
	loc, err := ParseLocation(c.OutputTimezone)
	if err != nil {
		return time.FixedZone("UTC+07:00", 7*3600)
	}
	return loc
}

// ParseLocation accepts IANA names ("Asia/Jakarta"), "UTC" and fixed offsets
// such as "+07:00", "-0530", "UTC+7".
func ParseLocation(value string) (*time.Location, error) {
	s := strings.TrimSpace(value)
	if s == "" || strings.EqualFold(s, "UTC") || s == "Z" {
		return time.UTC, nil
	}

	offset := s
	if len(offset) > 3 && strings.EqualFold(offset[:3], "UTC") {
		offset = offset[3:]
	}
	if offset != "" && (offset[0] == '+' || offset[0] == '-') {
		secs, err := parseOffset(offset)
		if err != nil {
			return nil, fmt.Errorf("config: output_timezone %q: %w", value, err)
		}
		return time.FixedZone("UTC"+formatOffset(secs), secs), nil
	}

	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("config: output_timezone %q: %w", value, err)
	}
	return loc, nil
}

func parseOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := strings.ReplaceAll(s[1:], ":", "")

	var hours, minutes int
	var err error
	switch len(body) {
	case 1, 2:
		hours, err = strconv.Atoi(body)
	case 3, 4:
		hours, err = strconv.Atoi(body[:len(body)-2])
		if err == nil {
			minutes, err = strconv.Atoi(body[len(body)-2:])
		}
	default:
		return 0, errors.New("invalid offset")
	}
	if err != nil {
		return 0, errors.New("invalid offset")
	}
	if hours > 14 || minutes > 59 {
		return 0, errors.New("offset out of range")
	}
	return sign * (hours*3600 + minutes*60), nil
}

func formatOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("%c%02d:%02d", sign, secs/3600, (secs%3600)/60)
}
