package api

import "time"

// Config holds runtime configuration for the HTTP API.
type Config struct {
	Address     string
	APIKey      string
	MaxPageSize int
	// Location is the zone timestamps are rendered in.
	Location *time.Location
	Cache    CacheConfig
}

// CacheConfig enables the optional redis response cache for read endpoints.
type CacheConfig struct {
	Enabled       bool
	RedisAddress  string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}
