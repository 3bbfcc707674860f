package remote

import (
	"context"
	"errors"
	"fmt"
)

// Backend kinds accepted by Open.
const (
	KindNone      = ""
	KindFunctions = "functions"
	KindPostgres  = "postgres"
	KindS3        = "s3"
	KindMemory    = "memory"
)

// ErrNotConfigured is reported by the client used when no backend is set.
var ErrNotConfigured = errors.New("no remote backend configured")

// Config selects and configures a backend.
type Config struct {
	Kind     string
	URL      string
	APIKey   string
	DSN      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open builds the configured backend. The returned close function releases
// backend resources and is never nil.
func Open(ctx context.Context, cfg Config) (Client, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case KindNone:
		return disabled{}, noop, nil
	case KindMemory:
		return NewMemory(), noop, nil
	case KindFunctions:
		if cfg.URL == "" {
			return nil, noop, errors.New("remote.url is required for the functions backend")
		}
		return NewFunctions(cfg.URL, cfg.APIKey), noop, nil
	case KindPostgres:
		if cfg.DSN == "" {
			return nil, noop, errors.New("remote.dsn is required for the postgres backend")
		}
		p, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case KindS3:
		s, err := NewS3(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}

// disabled is the client used without a backend. It is never reachable, so
// queued entries wait locally.
type disabled struct{}

func (disabled) Invoke(context.Context, Request) Result { return Fail(ErrNotConfigured) }
func (disabled) Ping(context.Context) error              { return ErrNotConfigured }
