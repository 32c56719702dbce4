package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverRedis    = "redis"
)

type Options struct {
	Driver        string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	RedisURL      string
}

// ResolveDriver picks the configured driver, or infers one from whichever
// connection string is present. Without any it falls back to memory.
func (o Options) ResolveDriver() string {
	if d := strings.ToLower(strings.TrimSpace(o.Driver)); d != "" {
		return d
	}
	switch {
	case strings.TrimSpace(o.DatabaseURL) != "":
		return DriverPostgres
	case strings.TrimSpace(o.MongoURI) != "":
		return DriverMongo
	case strings.TrimSpace(o.RedisURL) != "":
		return DriverRedis
	default:
		return DriverMemory
	}
}

// NewStore opens the backing store selected by opts.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch driver := opts.ResolveDriver(); driver {
	case DriverMemory:
		return NewInMemoryStore(), nil
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case DriverMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase)
	case DriverRedis:
		return OpenRedisStore(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
