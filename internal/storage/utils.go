package storage

import (
	"strings"

	"github.com/beflow/beflow/pkg/storage"
)

// InitStore opens the result store named by url: a postgres:// or redis://
// connection string selects the corresponding backend, anything else is
// treated as the embedded store's directory path.
func InitStore(url string) (storage.Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(url)
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisStore(url)
	default:
		return NewBoltStore(strings.TrimPrefix(url, "bolt://"))
	}
}
