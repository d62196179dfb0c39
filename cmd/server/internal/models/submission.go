package models

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/itsec-board/scoreboard/internal/types"
)

type Submission struct {
	ID             int64 `gorm:"primaryKey"`
	TaskID         int64
	TeamID         int64
	UserID         int64
	SubmissionTime int64 // unix seconds
	Filepath       string
	OriginalName   string
	// Result fields are written exactly once, by result application.
	AutogradeResult datatypes.Null[int16]
	AutogradeOutput datatypes.Null[string]

	Task Task `gorm:"foreignKey:TaskID;references:ID"`
}

func (Submission) TableName() string {
	return "task_submissions"
}

func (s Submission) GetID() int64 {
	return s.ID
}

// PendingQueue lists submissions eligible for autograding: the task is
// autograded, no verdict exists yet, and no strictly newer submission exists
// for the same (task, team). Superseded submissions are silently skipped
// forever; there is deliberately no column recording that.
func PendingQueue(ctx context.Context, db *gorm.DB) ([]types.QueueEntry, error) {
	ctx, span := tracer.Start(ctx, "PendingQueue")
	defer span.End()

	var rows []struct {
		ID           int64
		OriginalName string
		ResetURL     *string
	}

	err := db.WithContext(ctx).Raw(`
SELECT s.id, s.original_name, t.reset_url
FROM task_submissions s
JOIN tasks t ON t.task_id = s.task_id
LEFT JOIN task_submissions sb
  ON sb.task_id = s.task_id AND sb.team_id = s.team_id
  AND sb.submission_time > s.submission_time
WHERE sb.id IS NULL AND t.autograded AND s.autograde_result IS NULL
ORDER BY s.id`).Scan(&rows).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query pending queue")
		return nil, err
	}

	entries := make([]types.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entry := types.QueueEntry{ID: row.ID, Filename: row.OriginalName}
		if row.ResetURL != nil {
			entry.ResetURL = *row.ResetURL
		}
		entries = append(entries, entry)
	}

	span.SetAttributes(attribute.Int("queue.length", len(entries)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed pending queue")
	return entries, nil
}

// AutogradedSubmission fetches a submission together with its task, but only
// when the task is autograded. Everything else reads as not found to the
// payload endpoint.
func AutogradedSubmission(ctx context.Context, db *gorm.DB, id int64) (*Submission, error) {
	ctx, span := tracer.Start(ctx, "AutogradedSubmission")
	defer span.End()

	span.SetAttributes(attribute.Int64("submission.id", id))

	var submission Submission
	err := db.WithContext(ctx).
		Joins("Task").
		Where("task_submissions.id = ? AND \"Task\".autograded", id).
		First(&submission).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch autograded submission")
		return nil, err
	}

	return &submission, nil
}
