package models

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/itsec-board/scoreboard/internal/flags"
	"github.com/itsec-board/scoreboard/internal/types"
)

// Corrector recorded on grading records created by result application.
const Corrector = "Scoreboard - Grading Task"

// GradingRecord rows are append-only history: applying a new result
// soft-deletes the active record and inserts a fresh one. At most one record
// per (task, team) has a null deleted_time at any instant.
type GradingRecord struct {
	ID              int64 `gorm:"primaryKey"`
	TaskID          int64
	TeamID          int64
	Points          float64
	Comment         string
	InternalComment string
	Corrector       string
	CreatedTime     int64
	DeletedTime     datatypes.Null[int64]
}

func (GradingRecord) TableName() string {
	return "task_grading"
}

func (g GradingRecord) GetID() int64 {
	return g.ID
}

// FlagPolicy is the deployment token policy threaded in from config. The
// window bounds are microseconds and the interval is half-open:
// ValidStartUsec <= t < ValidEndUsec.
type FlagPolicy struct {
	Prefix         string
	ValidStartUsec uint64
	ValidEndUsec   uint64
}

func (p FlagPolicy) inWindow(t uint64) bool {
	return p.ValidStartUsec <= t && t < p.ValidEndUsec
}

// gradeOutput converts captured output into a verdict. Rules, in order:
// force_fail or no candidates at all is NO_FLAG; any candidate that fails to
// verify, falls outside the deployment window or belongs to another task is
// WRONG_FLAG; any flag not minted strictly after the submission is
// FLAG_NOT_FRESH; otherwise OK.
func gradeOutput(
	policy FlagPolicy,
	submission *Submission,
	output string,
	forceFail bool,
	lookup flags.KeyFunc,
) types.Verdict {
	candidates := flags.Find(policy.Prefix, output)

	if forceFail || len(candidates) == 0 {
		return types.VerdictNoFlag
	}

	decoded := make([]*flags.Decoded, 0, len(candidates))
	for _, candidate := range candidates {
		d, err := flags.Verify(policy.Prefix, candidate, lookup)
		if err != nil || !policy.inWindow(d.IssuedAt) || d.TaskID != uint16(submission.TaskID) {
			return types.VerdictWrongFlag
		}
		decoded = append(decoded, d)
	}

	// Anti-replay: a flag minted before the code that printed it was
	// submitted proves nothing.
	submittedUsec := uint64(submission.SubmissionTime) * 1e6
	for _, d := range decoded {
		if d.IssuedAt <= submittedUsec {
			return types.VerdictFlagNotFresh
		}
	}

	return types.VerdictOK
}

// ApplyResult implements result application as one server-side transaction:
// compute the verdict from the output, persist output and verdict onto the
// submission, soft-delete the active grading record for the (task, team)
// pair and insert the new one. receivedAt stamps both the soft-delete and
// the new record. Callers must not invoke it twice for the same submission;
// the pending queue enforces that by never listing submissions that already
// carry a verdict.
func ApplyResult(
	ctx context.Context,
	db *gorm.DB,
	policy FlagPolicy,
	submissionID int64,
	output string,
	forceFail bool,
	receivedAt time.Time,
) (types.Verdict, error) {
	ctx, span := tracer.Start(ctx, "ApplyResult")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("submission.id", submissionID),
		attribute.Bool("force_fail", forceFail),
	)

	var verdict types.Verdict
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		submission, err := ByID[Submission](ctx, tx, submissionID)
		if err != nil {
			return err
		}

		task, err := ByID[Task](ctx, tx, submission.TaskID)
		if err != nil {
			return err
		}

		verdict = gradeOutput(policy, submission, output, forceFail, KeyLookup(ctx, tx))

		err = tx.Model(submission).Updates(map[string]any{
			"autograde_output": output,
			"autograde_result": int16(verdict),
		}).Error
		if err != nil {
			return err
		}

		now := receivedAt.Unix()
		err = tx.Model(&GradingRecord{}).
			Where("task_id = ? AND team_id = ? AND deleted_time IS NULL",
				submission.TaskID, submission.TeamID).
			Update("deleted_time", now).Error
		if err != nil {
			return err
		}

		points := 0.0
		if verdict == types.VerdictOK {
			points = task.MaxPoints
		}

		return tx.Create(&GradingRecord{
			TaskID:      submission.TaskID,
			TeamID:      submission.TeamID,
			Points:      points,
			Comment:     verdict.String(),
			Corrector:   Corrector,
			CreatedTime: now,
		}).Error
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply autograde result")
		return 0, err
	}

	span.SetAttributes(attribute.String("verdict", verdict.String()))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "applied autograde result")
	return verdict, nil
}
