package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"voting-core/models"
)

var ErrNotFound = errors.New("record not found")

// Store is the sqlite-backed persistence layer for the voting core: the
// append-only audit and ballot tables, the token table and the result tables.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New opens the store. Uses an in-memory database when dataDir is empty,
// useful for testing.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var db *gorm.DB
	var err error
	if dataDir == "" {
		// A named in-memory database with cache=shared lets the pooled
		// connections of this store see the same data while keeping separate
		// stores isolated from each other.
		dsn := fmt.Sprintf("file:votecore-%s?mode=memory&cache=shared", uuid.New().String())
		db, err = gorm.Open(
			sqlite.Open(dsn),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dbPath := filepath.Join(dataDir, "votecore.sqlite")
		connOpts := "_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
		db, err = gorm.Open(
			sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	}
	// sqlite handles one writer at a time; a single pooled connection avoids
	// lock errors under concurrent callers
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	s := &Store{
		db:     db,
		logger: logger,
	}
	for _, model := range models.MigrateModels {
		s.logger.Debug(fmt.Sprintf("creating table: %#v", model), "component", "storage")
		if err := s.db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DB returns the underlying GORM database handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// Close shuts down the database connection.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return db.Close()
}

// session resolves the handle for an optional transaction; nil means the
// base connection.
func (s *Store) session(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
