package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0002, Down0002)
}

func Up0002(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE task_submissions (
    id BIGSERIAL PRIMARY KEY,
    task_id BIGINT NOT NULL REFERENCES tasks (task_id),
    team_id BIGINT NOT NULL,
    user_id BIGINT NOT NULL,
    submission_time BIGINT NOT NULL,
    filepath TEXT NOT NULL,
    original_name TEXT NOT NULL,
    autograde_result SMALLINT,
    autograde_output TEXT
);
`)
	if err != nil {
		return err
	}

	// The pending-queue join filters on (task, team, time) and missing verdicts.
	_, err = tx.ExecContext(ctx,
		`CREATE INDEX task_submissions_queue_index
		 ON task_submissions (task_id, team_id, submission_time);`)
	return err
}

func Down0002(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE task_submissions;`)
	return err
}
