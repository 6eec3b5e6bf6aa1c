// Package app translates the application configuration into component configs.
package app

import (
	"strings"
	"time"

	"github.com/aminovpavel/lorapipe/internal/api"
	"github.com/aminovpavel/lorapipe/internal/config"
	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/storage"
)

// BuildMQTTConfig translates the application configuration into an MQTT client config.
func BuildMQTTConfig(cfg *config.App) mqtt.Config {
	if cfg == nil {
		return mqtt.Config{}
	}

	return mqtt.Config{
		BrokerHost:     strings.TrimSpace(cfg.MQTTBrokerAddress),
		BrokerPort:     cfg.MQTTPort,
		Username:       strings.TrimSpace(cfg.MQTTUsername),
		Password:       strings.TrimSpace(cfg.MQTTPassword),
		Topic:          strings.TrimSpace(cfg.MQTTTopic),
		QoS:            byte(cfg.MQTTQoS),
		ClientID:       strings.TrimSpace(cfg.MQTTClientID),
		PublishTimeout: seconds(cfg.PublishTimeout),
	}
}

// BuildStoreConfig selects the database backend.
func BuildStoreConfig(cfg *config.App) storage.Config {
	if cfg == nil {
		return storage.Config{}
	}

	return storage.Config{
		Driver:              strings.TrimSpace(cfg.DatabaseDriver),
		Path:                strings.TrimSpace(cfg.DatabaseFile),
		DSN:                 strings.TrimSpace(cfg.DatabaseDSN),
		Schema:              strings.TrimSpace(cfg.DatabaseSchema),
		MaxOpenConns:        cfg.DatabaseMaxOpenConns,
		MaxIdleConns:        cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime:     seconds(cfg.DatabaseConnMaxLifetime),
		MaintenanceInterval: time.Duration(cfg.MaintenanceInterval) * time.Minute,
	}
}

// BuildDecoderConfig carries the output timezone and Cayenne ports.
func BuildDecoderConfig(cfg *config.App) decode.BuilderConfig {
	if cfg == nil {
		return decode.BuilderConfig{}
	}

	return decode.BuilderConfig{
		Location:     cfg.Location(),
		CayennePorts: append([]int(nil), cfg.CayennePorts...),
	}
}

// BuildAPIConfig configures the HTTP surface and its optional redis cache.
func BuildAPIConfig(cfg *config.App) api.Config {
	if cfg == nil {
		return api.Config{}
	}

	return api.Config{
		Address:     strings.TrimSpace(cfg.APIListenAddress),
		APIKey:      strings.TrimSpace(cfg.APIKey),
		MaxPageSize: cfg.APIMaxPageSize,
		Location:    cfg.Location(),
		Cache: api.CacheConfig{
			Enabled:       cfg.CacheEnabled,
			RedisAddress:  strings.TrimSpace(cfg.RedisAddress),
			RedisUsername: strings.TrimSpace(cfg.RedisUsername),
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			TTL:           seconds(cfg.CacheTTLSeconds),
		},
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
