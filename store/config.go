package store

import "time"

// Config holds configuration for the Store.
type Config struct {
	// Table is the DynamoDB table name.
	// Default: "sketchstore"
	Table string

	// NumShards is the number of shards for the global timeline partition.
	// Higher values spread timeline writes across partitions but require
	// a fan-out query on reads.
	// Default: 1 (single partition, single query)
	// Max: 256
	NumShards int

	// SigninAuditRetention bounds the append-only signin audit index.
	// Audit entries are written with a ttl attribute this far in the
	// future; enabling DynamoDB TTL on the table expires them.
	// Default: 90 days
	SigninAuditRetention time.Duration
}

// DefaultConfig returns sensible defaults for small deployments.
func DefaultConfig() Config {
	return Config{
		Table:                "sketchstore",
		NumShards:            1,
		SigninAuditRetention: 90 * 24 * time.Hour,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "sketchstore"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.SigninAuditRetention <= 0 {
		c.SigninAuditRetention = 90 * 24 * time.Hour
	}
}
