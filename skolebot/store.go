package skolebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
	"io/fs"
	"log/slog"
	"os"
)

// ErrRecordNotFound is returned by LookupRecord when the store holds no
// record for the ID
var ErrRecordNotFound = errors.New("record not found")

// RecordStore is a keyed collection of records, keyed by discord user ID.
// Every successful write is durable by the time the call returns.
type RecordStore[T any] interface {
	// Get returns the record for id. ok is false if there isn't one.
	Get(ctx context.Context, id string) (record T, ok bool, err error)

	// Upsert inserts or replaces the record for id
	Upsert(ctx context.Context, id string, record T) error

	// Delete removes the record for id. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, id string) error

	// LoadAll returns every record, keyed by ID
	LoadAll(ctx context.Context) (map[string]T, error)

	// SaveAll replaces the whole collection
	SaveAll(ctx context.Context, records map[string]T) error
}

// keyedRecord is implemented by pointers to record types which carry
// their own user ID, so the ID can be restored from a map key or
// primary key after decoding.
type keyedRecord[T any] interface {
	*T
	GetUserID() string
	SetUserID(id string)
}

// Stores holds the two record collections used by the bot.
type Stores struct {
	Applications RecordStore[ApplicationRecord]
	Levels       RecordStore[LevelRecord]
	close        func() error
}

// Close releases any connections held by the stores
func (s *Stores) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStores opens the stores selected by cfg.Store.Type.
func OpenStores(
	ctx context.Context,
	cfg *Config,
	logger *slog.Logger,
) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "store")

	switch cfg.Store.Type {
	case StoreTypeJSON:
		apps, err := NewJSONFileStore[ApplicationRecord](
			cfg.Store.ApplicationsFile,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading applications: %w", err)
		}
		levels, err := NewJSONFileStore[LevelRecord](
			cfg.Store.LevelsFile,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading levels: %w", err)
		}
		return &Stores{Applications: apps, Levels: levels}, nil
	case StoreTypeSQLite, StoreTypePostgres:
		handler := newLogHandler(logWriter, cfg.Store.DatabaseLogLevel)
		db, err := getDB(
			cfg.Store.Type,
			cfg.Store.Database,
			newGORMLogger(handler, cfg.Store.DatabaseSlowThreshold),
		)
		if err != nil {
			return nil, fmt.Errorf("error opening database: %w", err)
		}
		if err = migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("error migrating database: %w", err)
		}
		if err = configureDB(ctx, cfg.Store.Type, db); err != nil {
			return nil, err
		}
		concurrent := cfg.Store.Type == StoreTypePostgres
		return &Stores{
			Applications: NewGormStore[ApplicationRecord](db, logger, concurrent),
			Levels:       NewGormStore[LevelRecord](db, logger, concurrent),
			close: func() error {
				sqlDB, dbErr := db.DB()
				if dbErr != nil {
					return dbErr
				}
				return sqlDB.Close()
			},
		}, nil
	case StoreTypeRedis:
		client := redis.NewClient(
			&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
		)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		return &Stores{
			Applications: NewRedisStore[ApplicationRecord](
				client,
				redisKey(cfg.Redis.KeyPrefix, "applications"),
				logger,
			),
			Levels: NewRedisStore[LevelRecord](
				client,
				redisKey(cfg.Redis.KeyPrefix, "levels"),
				logger,
			),
			close: client.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %q", cfg.Store.Type)
	}
}

// LookupRecord gets the record for id, returning ErrRecordNotFound if
// there isn't one
func LookupRecord[T any](ctx context.Context, store RecordStore[T], id string) (T, error) {
	rec, ok, err := store.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, nil
}

// InitStores prepares the configured store for a first run. Missing
// JSON documents are created empty, and SQL schemas are migrated.
// Returns the number of records already held in each collection.
func InitStores(
	ctx context.Context,
	cfg *Config,
	logger *slog.Logger,
) (applications int, levels int, err error) {
	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		err = errors.Join(err, stores.Close())
	}()

	apps, err := stores.Applications.LoadAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("error loading applications: %w", err)
	}
	lvls, err := stores.Levels.LoadAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("error loading levels: %w", err)
	}

	if cfg.Store.Type == StoreTypeJSON {
		if missing(cfg.Store.ApplicationsFile) {
			if err = stores.Applications.SaveAll(ctx, apps); err != nil {
				return 0, 0, fmt.Errorf("error creating applications document: %w", err)
			}
		}
		if missing(cfg.Store.LevelsFile) {
			if err = stores.Levels.SaveAll(ctx, lvls); err != nil {
				return 0, 0, fmt.Errorf("error creating levels document: %w", err)
			}
		}
	}
	return len(apps), len(lvls), nil
}

func missing(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}
