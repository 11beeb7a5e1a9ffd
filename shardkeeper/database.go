package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	defaultListLimit = 100
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
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
//
// Fields:
//   - CreatedAt: The timestamp when the record was created, stored in milliseconds.
//   - UpdatedAt: The timestamp when the record was last updated, stored in milliseconds.
//   - DeletedAt: The timestamp when the record was deleted, stored as a gorm.DeletedAt type.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// GenerationRecord is the persisted history of a generation
type GenerationRecord struct {
	ID              string `gorm:"primaryKey" json:"id"`
	Number          int    `json:"number"`
	TotalShards     int    `json:"total_shards"`
	MaxConcurrency  int    `json:"max_concurrency"`
	ShardsPerWorker int    `json:"shards_per_worker"`
	Clusters        int    `json:"clusters"`
	State           string `gorm:"index" json:"state"`
	StartedAt       int64  `json:"started_at"`
	ReadyAt         *int64 `json:"ready_at,omitempty"`
	StoppedAt       *int64 `json:"stopped_at,omitempty"`
	StopCode        *int   `json:"stop_code,omitempty"`
	ModelUnixTime
}

func (GenerationRecord) TableName() string {
	return "generations"
}

type LifecycleKind string

const (
	LifecycleKindReady       LifecycleKind = "ready"
	LifecycleKindShardReady  LifecycleKind = "shard_ready"
	LifecycleKindDegraded    LifecycleKind = "degraded"
	LifecycleKindStopped     LifecycleKind = "stopped"
	LifecycleKindMaintenance LifecycleKind = "maintenance"
)

// LifecycleEvent records a lifecycle signal
type LifecycleEvent struct {
	ModelUintID
	GenerationID string        `gorm:"index" json:"generation_id"`
	Kind         LifecycleKind `gorm:"index" json:"kind"`
	ClusterID    *int          `json:"cluster_id,omitempty"`
	ShardID      *int          `json:"shard_id,omitempty"`
	Code         *int          `json:"code,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	ModelUnixTime
}

// Store persists generation history and lifecycle events
type Store interface {
	SaveGeneration(ctx context.Context, rec *GenerationRecord) error
	ListGenerations(ctx context.Context, limit int) ([]GenerationRecord, error)
	RecordEvent(ctx context.Context, ev *LifecycleEvent) error
	ListEvents(ctx context.Context, generationID string, limit int) ([]LifecycleEvent, error)
}

// gormStore is a Store backed by gorm
type gormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormStore{db: db, logger: logger.With(loggerNameKey, "store")}
}

// SaveGeneration inserts rec, or updates its mutable columns if it
// already exists
func (s *gormStore) SaveGeneration(ctx context.Context, rec *GenerationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"state", "ready_at", "stopped_at", "stop_code", "updated_at"},
			),
		},
	).Create(rec).Error
}

// ListGenerations returns the most recent generations first
func (s *gormStore) ListGenerations(ctx context.Context, limit int) ([]GenerationRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var recs []GenerationRecord
	err := s.db.WithContext(ctx).Order("number desc").Limit(limit).Find(&recs).Error
	return recs, err
}

func (s *gormStore) RecordEvent(ctx context.Context, ev *LifecycleEvent) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Create(ev).Error
}

// ListEvents returns the most recent events first, optionally only
// those of one generation
func (s *gormStore) ListEvents(
	ctx context.Context,
	generationID string,
	limit int,
) ([]LifecycleEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := s.db.WithContext(ctx).Order("id desc").Limit(limit)
	if generationID != "" {
		q = q.Where("generation_id = ?", generationID)
	}
	var events []LifecycleEvent
	err := q.Find(&events).Error
	return events, err
}

// lifecycleRecorder persists lifecycle signals
type lifecycleRecorder struct {
	store  Store
	logger *slog.Logger
}

func newLifecycleRecorder(store Store, logger *slog.Logger) *lifecycleRecorder {
	return &lifecycleRecorder{store: store, logger: logger.With(loggerNameKey, "lifecycle_recorder")}
}

func (r *lifecycleRecorder) save(ctx context.Context, ev *LifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	if err := r.store.RecordEvent(ctx, ev); err != nil {
		r.logger.ErrorContext(ctx, "error recording lifecycle event", "kind", ev.Kind, tint.Err(err))
	}
}

func (r *lifecycleRecorder) Ready(ctx context.Context, generationID string) {
	r.save(ctx, &LifecycleEvent{GenerationID: generationID, Kind: LifecycleKindReady})
}

func (r *lifecycleRecorder) ShardReady(ctx context.Context, generationID string, shardID int) {
	r.save(
		ctx,
		&LifecycleEvent{GenerationID: generationID, Kind: LifecycleKindShardReady, ShardID: &shardID},
	)
}

func (r *lifecycleRecorder) Degraded(ctx context.Context, generationID string, clusterID int, err error) {
	ev := &LifecycleEvent{GenerationID: generationID, Kind: LifecycleKindDegraded, ClusterID: &clusterID}
	if err != nil {
		ev.Detail = err.Error()
	}
	r.save(ctx, ev)
}

func (r *lifecycleRecorder) Stopped(ctx context.Context, generationID string, clusterID int, code int) {
	r.save(
		ctx,
		&LifecycleEvent{
			GenerationID: generationID,
			Kind:         LifecycleKindStopped,
			ClusterID:    &clusterID,
			Code:         &code,
		},
	)
}

// CreateDB initializes and returns a GORM database connection based on the specified database type.
// It also performs auto-migration for the specified models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//
// Returns:
//   - *gorm.DB: A pointer to the initialized GORM database connection.
//   - error: An error object if any error occurs during the initialization or migration.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	return createDB(ctx, defaultLogWriter, databaseType, database, nil, DefaultDatabaseSlowThreshold)
}

func createDB(
	ctx context.Context,
	w io.Writer,
	databaseType string,
	database string,
	level *slog.LevelVar,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	var leveler slog.Leveler = slog.LevelWarn
	if level != nil {
		leveler = level
	}
	handler := newLogHandler(w, leveler)
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	txn := db.WithContext(ctx).Begin()
	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&GenerationRecord{},
		&LifecycleEvent{},
	)
	if err != nil {
		txn.Rollback()
		return db, err
	}

	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return fmt.Errorf("error setting %q: %w", pragma, err)
		}
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"%w: unsupported database type: %s (must be %q or %q)",
			ErrConfigInvalid, databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
