package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0003, Down0003)
}

func Up0003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE task_grading (
    id BIGSERIAL PRIMARY KEY,
    task_id BIGINT NOT NULL REFERENCES tasks (task_id),
    team_id BIGINT NOT NULL,
    points DOUBLE PRECISION NOT NULL DEFAULT 0,
    comment TEXT NOT NULL DEFAULT '',
    internal_comment TEXT NOT NULL DEFAULT '',
    corrector TEXT NOT NULL,
    created_time BIGINT NOT NULL,
    deleted_time BIGINT
);
`)
	if err != nil {
		return err
	}

	// Enforces the at-most-one-active-record invariant at the schema level.
	_, err = tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX task_grading_active_index
		 ON task_grading (task_id, team_id) WHERE deleted_time IS NULL;`)
	return err
}

func Down0003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE task_grading;`)
	return err
}
