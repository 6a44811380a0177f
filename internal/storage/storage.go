package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key-value store scoped to a single namespace.
// Every operation is atomic for a single key.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Values(ctx context.Context) ([][]byte, error)
	Close() error
}

// Pinger is implemented by stores backed by a remote engine.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Namespace identifies one logical store (name + schema version).
type Namespace struct {
	Name    string
	Version int
}

func (n Namespace) String() string {
	return n.Name + ":v" + strconv.Itoa(n.Version)
}

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Options selects and configures a driver.
type Options struct {
	Driver    string
	Namespace Namespace
	DSN       string // postgres
	RedisURL  string // redis
}

// Open connects to the configured driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverPostgres:
		s, err := OpenPostgres(ctx, opts.DSN, opts.Namespace)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		s, err := OpenRedis(ctx, opts.RedisURL, opts.Namespace)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}
