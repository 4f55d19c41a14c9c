package skolebot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
	dbBatchSize        = 500
)

// GormStore is a RecordStore backed by a SQL table, via GORM.
// Unless concurrent writes are enabled (postgres), writes are serialized
// with a mutex, since sqlite only allows a single writer.
type GormStore[T any, P keyedRecord[T]] struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewGormStore[T any, P keyedRecord[T]](
	db *gorm.DB,
	logger *slog.Logger,
	enableConcurrentWrites bool,
) *GormStore[T, P] {
	if logger == nil {
		logger = slog.Default()
	}
	var model T
	table := ""
	if t, ok := any(&model).(interface{ TableName() string }); ok {
		table = t.TableName()
	}
	return &GormStore[T, P]{
		db:                     db,
		logger:                 logger.With("table", table),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (s *GormStore[T, P]) lock() {
	if s.enableConcurrentWrites {
		return
	}
	s.mu.Lock()
}

func (s *GormStore[T, P]) unlock() {
	if s.enableConcurrentWrites {
		return
	}
	s.mu.Unlock()
}

func (s *GormStore[T, P]) Get(ctx context.Context, id string) (T, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var rec T
	err := s.db.WithContext(ctx).Where("user_id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rec, false, nil
		}
		return rec, false, err
	}
	return rec, true, nil
}

func (s *GormStore[T, P]) Upsert(ctx context.Context, id string, record T) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	P(&record).SetUserID(id)

	s.lock()
	defer s.unlock()

	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{UpdateAll: true},
	).Create(&record).Error
}

func (s *GormStore[T, P]) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	s.lock()
	defer s.unlock()

	var model T
	return s.db.WithContext(ctx).Where("user_id = ?", id).Delete(&model).Error
}

func (s *GormStore[T, P]) LoadAll(ctx context.Context) (map[string]T, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var rows []T
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make(map[string]T, len(rows))
	for _, rec := range rows {
		records[P(&rec).GetUserID()] = rec
	}
	return records, nil
}

func (s *GormStore[T, P]) SaveAll(ctx context.Context, records map[string]T) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	rows := make([]T, 0, len(records))
	for id, rec := range records {
		P(&rec).SetUserID(id)
		rows = append(rows, rec)
	}

	s.lock()
	defer s.unlock()

	return s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var model T
			if err := tx.Session(
				&gorm.Session{AllowGlobalUpdate: true},
			).Delete(&model).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			return tx.CreateInBatches(rows, dbBatchSize).Error
		},
	)
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(
		&ApplicationRecord{},
		&LevelRecord{},
	)
}

// configureDB applies connection settings for sqlite. Other database
// types are left as opened.
func configureDB(ctx context.Context, databaseType string, db *gorm.DB) error {
	if databaseType != StoreTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	for _, pragma := range sqliteExecPragma {
		if _, err = sqlDB.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("error setting %q: %w", pragma, err)
		}
	}
	return nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case StoreTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case StoreTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, StoreTypeSQLite, StoreTypePostgres,
		)
	}
}
