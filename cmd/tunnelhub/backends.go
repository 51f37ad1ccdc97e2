package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgnsrekt/tunnelhub/internal/config"
	"github.com/dgnsrekt/tunnelhub/internal/persist"
	"github.com/dgnsrekt/tunnelhub/internal/storage"
)

// openGateway builds the backing persistence gateway from the configured
// event and mirror stores. A Postgres pool is shared when both use it.
func openGateway(ctx context.Context, cfg *config.Config) (persist.Gateway, error) {
	var (
		pg      *persist.Postgres
		mem     *persist.Memory
		opened  []any
		events  persist.EventLog
		mirrors persist.MirrorStore
	)
	postgres := func() (*persist.Postgres, error) {
		if pg != nil {
			return pg, nil
		}
		p, err := persist.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg = p
		opened = append(opened, p)
		return p, nil
	}
	memory := func() *persist.Memory {
		if mem == nil {
			mem = persist.NewMemory()
		}
		return mem
	}
	fail := func(err error) (persist.Gateway, error) {
		var errs []error
		for _, o := range opened {
			errs = append(errs, persist.Close(o))
		}
		return nil, errors.Join(append([]error{err}, errs...)...)
	}

	switch cfg.EventStore {
	case config.StorePostgres:
		p, err := postgres()
		if err != nil {
			return fail(fmt.Errorf("event store: %w", err))
		}
		events = p
	case config.StoreJSONL:
		a := storage.NewArchive(cfg.ArchiveDir, cfg.ArchiveMaxSizeMB)
		opened = append(opened, a)
		events = a
	default:
		events = memory()
	}

	switch cfg.MirrorStore {
	case config.StorePostgres:
		p, err := postgres()
		if err != nil {
			return fail(fmt.Errorf("mirror store: %w", err))
		}
		mirrors = p
	case config.StoreRedis:
		r, err := persist.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("mirror store: %w", err))
		}
		mirrors = r
	default:
		mirrors = memory()
	}
	return persist.Combine(events, mirrors), nil
}
