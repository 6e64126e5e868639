package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/config"
	"boardsync/storage"
)

// openBackend connects the configured persistence backend. The returned
// closer releases its connections.
func openBackend(ctx context.Context, c config.Config) (storage.Backend, func(), error) {
	if err := c.ValidateStorage(); err != nil {
		return nil, nil, err
	}
	switch c.Storage.Backend {
	case config.BackendTables:
		st, err := storage.NewTables(c.Storage.ConnectionString, c.Storage.TasksTable, c.Storage.ListsTable)
		if err != nil {
			return nil, nil, fmt.Errorf("tables: %w", err)
		}
		return st, func() {}, nil
	case config.BackendMongo:
		st, err := storage.NewMongo(ctx, c.Storage.MongoURI, c.Storage.MongoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		return st, func() {
			if err := st.Close(context.Background()); err != nil {
				log.WithError(err).Warn("closing mongo")
			}
		}, nil
	default:
		log.Warn("using in-memory storage, data is lost on exit")
		return storage.NewMemory(), func() {}, nil
	}
}

// openRedis returns nil when no Redis is configured.
func openRedis(ctx context.Context, c config.Config) (*redis.Client, error) {
	if c.Redis.ConnectionString == "" {
		return nil, nil
	}
	opts, err := config.RedisOptions(c.Redis.ConnectionString)
	if err != nil {
		return nil, err
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}
