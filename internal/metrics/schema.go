package metrics

import (
	"database/sql"

	"codeberg.org/mutker/teslafanctl/internal/errors"
)

// initSchema initializes the database schema for cycle history
func initSchema(db *sql.DB) error {
	errFactory := errors.New()

	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS cycles (
            timestamp      INTEGER PRIMARY KEY,
            aggregate_temp REAL    NOT NULL,
            hottest_index  INTEGER NOT NULL,
            hottest_name   TEXT    NOT NULL,
            hottest_util   INTEGER NOT NULL,
            manual_mode    INTEGER NOT NULL CHECK (manual_mode IN (0, 1)),
            target_duty    INTEGER NOT NULL
        )
    `)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	return nil
}
