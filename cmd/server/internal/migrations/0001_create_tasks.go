package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0001, Down0001)
}

func Up0001(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE tasks (
    task_id BIGINT PRIMARY KEY,
    task_short TEXT NOT NULL,
    from_date BIGINT NOT NULL,
    due_date BIGINT NOT NULL,
    max_points DOUBLE PRECISION NOT NULL DEFAULT 0,
    autograded BOOLEAN NOT NULL DEFAULT FALSE,
    flag_key BYTEA,
    reset_url TEXT
);
`)
	return err
}

func Down0001(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE tasks;`)
	return err
}
