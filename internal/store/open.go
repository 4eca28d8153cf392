package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/config"
)

// Open returns the Store selected by cfg.Driver. For sqlite, DatabaseURL is
// the database file path.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required for postgres")
		}
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns, cfg.MinConns)
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "bizdir.db"
		}
		return NewSQLite(dsn)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
