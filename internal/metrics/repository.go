package metrics

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/teslafanctl/internal/errors"
	"codeberg.org/mutker/teslafanctl/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(cfg Config) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Str("path", cfg.DBPath).Msg("Initializing metrics repository")

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{
		db: db,
	}, nil
}

func (r *sqliteRepository) Store(ctx context.Context, snapshot *Snapshot) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO cycles (
            timestamp, aggregate_temp, hottest_index, hottest_name,
            hottest_util, manual_mode, target_duty
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(timestamp) DO UPDATE SET
            aggregate_temp = excluded.aggregate_temp,
            hottest_index = excluded.hottest_index,
            hottest_name = excluded.hottest_name,
            hottest_util = excluded.hottest_util,
            manual_mode = excluded.manual_mode,
            target_duty = excluded.target_duty
    `,
		snapshot.Timestamp.Unix(),
		snapshot.AggregateTempC,
		snapshot.HottestIndex,
		snapshot.HottestName,
		snapshot.HottestUtilPct,
		boolToInt(snapshot.ManualMode),
		snapshot.TargetDutyPct,
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}
