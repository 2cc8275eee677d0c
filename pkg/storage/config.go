package storage

import "time"

// Config holds connection settings for every backend
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // comma separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 config (audit archive)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		S3Region:         "us-east-1",
	}
}

// RedisEnabled reports whether a shared counter store is configured
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// ArchiveEnabled reports whether audit archives can be written to S3
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}
