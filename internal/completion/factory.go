package completion

import (
	"context"
	"fmt"

	"github.com/mattjoyce/mobrule-embed/internal/config"
	"github.com/mattjoyce/mobrule-embed/internal/storage"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.CompletionConfig) (Store, error) {
	var opts []Option
	if cfg.MaxPayloadSize != "" {
		n, err := config.ParseByteSize(cfg.MaxPayloadSize)
		if err != nil {
			return nil, fmt.Errorf("completion.max_payload_size: %w", err)
		}
		opts = append(opts, WithMaxPayload(n))
	}

	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemoryStore(opts...), nil
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db, cfg.TTL, opts...), nil
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.TTL, opts...)
	default:
		return nil, fmt.Errorf("unknown completion driver %q", cfg.Driver)
	}
}
