package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/infrastructure/config"
	"mt5bridge/internal/infrastructure/storage"
	pgrepo "mt5bridge/internal/infrastructure/storage/postgres"
	redisrepo "mt5bridge/internal/infrastructure/storage/redis"
	sqliterepo "mt5bridge/internal/infrastructure/storage/sqlite"
)

// Container owns the storage-side resources: the primary store and the
// optional redis change mirror.
type Container struct {
	cfg         *config.Config
	store       port.Store
	redis       *redisrepo.Notifier
	closeOnce   sync.Once
	closerChain []func() error
}

func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		closerChain: make([]func() error, 0),
	}

	if err := c.initStore(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}
	if cfg.Storage.Redis.Enabled {
		if err := c.initRedis(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Container) initStore() error {
	driver := strings.ToLower(strings.TrimSpace(c.cfg.Storage.Driver))
	switch driver {
	case storage.DriverSQLite:
		repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		c.store = repo
		log.Info().Str("path", c.cfg.Storage.SQLite.Path).Msg("sqlite initialized")

	case storage.DriverPostgres:
		repo, err := pgrepo.New(c.cfg.Storage.Postgres.DSN)
		if err != nil {
			return err
		}
		c.store = repo
		log.Info().Msg("postgres initialized")

	case storage.DriverMemory:
		c.store = storage.NewMemoryStore()
		log.Warn().Msg("memory store in use, nothing survives a restart")

	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.cfg.Storage.Driver)
	}

	store := c.store
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Str("driver", driver).Msg("closing store")
		return store.Close()
	})
	return nil
}

func (c *Container) initRedis(ctx context.Context) error {
	rc := c.cfg.Storage.Redis
	n := redisrepo.New(redisrepo.NewClient(redisrepo.Config{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}), rc.Prefix, rc.StreamMaxLen)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := n.Ping(pingCtx); err != nil {
		_ = n.Close()
		return fmt.Errorf("%w: %w", ErrRedisUnavailable, err)
	}

	c.redis = n
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return n.Close()
	})

	log.Info().
		Str("addr", rc.Addr).
		Int("db", rc.DB).
		Str("prefix", rc.Prefix).
		Msg("redis initialized")
	return nil
}

func (c *Container) Store() port.Store { return c.store }

// Redis returns nil when redis is disabled.
func (c *Container) Redis() port.Notifier {
	if c.redis == nil {
		return nil
	}
	return c.redis
}

// Close releases resources in reverse order of creation.
func (c *Container) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if err := c.closerChain[i](); err != nil {
				log.Error().Err(err).Msg("error closing resource")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}
