package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

var ErrUnknownBackend = errors.New("unknown backend")

// Options selects and configures a backend.
type Options struct {
	Kind    string
	DataDir string
	Redis   RedisConfig
}

// New creates a Backend based on the backend kind.
//
// Supported backends:
//
//	"json"   - one file per key in DataDir (default)
//	"sqlite" - SQLite database at DataDir/store.db
//	"bolt"   - bbolt database at DataDir/store.bolt
//	"redis"  - Redis server at Redis.Address
//	"memory" - In-memory (ephemeral, for testing)
func New(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case "json", "":
		return NewJSONFile(opts.DataDir)
	case "sqlite":
		return NewSQLite(filepath.Join(opts.DataDir, "store.db"))
	case "bolt":
		return NewBolt(filepath.Join(opts.DataDir, "store.bolt"))
	case "redis":
		return NewRedis(ctx, opts.Redis)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: json, sqlite, bolt, redis, memory)", ErrUnknownBackend, opts.Kind)
	}
}

// Close releases b if it holds resources.
func Close(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
