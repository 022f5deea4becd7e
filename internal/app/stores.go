package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/familybubble/backend/internal/config"
	"github.com/familybubble/backend/internal/db"
	"github.com/familybubble/backend/internal/repositories"
)

// backingStores is the persistence selected by BUBBLE_STORE.
type backingStores struct {
	driver string
	nodes  repositories.NodeStore
	edges  repositories.ReferralStore
	// pool is set for the postgres driver and feeds the change listener.
	pool  db.Pool
	ping  func(ctx context.Context) error
	close func(ctx context.Context) error
}

func memoryStores() backingStores {
	store := repositories.NewMemoryStore()
	return backingStores{
		driver: config.StoreMemory,
		nodes:  store,
		edges:  store,
		close:  func(context.Context) error { return nil },
	}
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (backingStores, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return memoryStores(), nil

	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return backingStores{}, err
		}
		notify := repositories.WithChangeNotifications(cfg.PostgresListen)
		return backingStores{
			driver: config.StorePostgres,
			nodes:  repositories.NewPostgresNodeStore(pool, notify),
			edges:  repositories.NewPostgresReferralStore(pool, notify),
			pool:   pool,
			ping:   pool.Ping,
			close: func(context.Context) error {
				pool.Close()
				return nil
			},
		}, nil

	case config.StoreMongo:
		client, err := db.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return backingStores{}, err
		}
		if err := repositories.EnsureMongoIndexes(ctx, client.Database(cfg.Mongo.Database)); err != nil {
			_ = client.Disconnect(context.Background())
			return backingStores{}, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		store := repositories.NewMongoStore(client, cfg.Mongo.Database)
		return backingStores{
			driver: config.StoreMongo,
			nodes:  store,
			edges:  store,
			ping: func(ctx context.Context) error {
				return client.Ping(ctx, readpref.Primary())
			},
			close: client.Disconnect,
		}, nil

	default:
		return backingStores{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
