package models

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/itsec-board/scoreboard/internal/flags"
)

// Task identifiers live in the uint16 space because the flag wire format
// packs them into two bytes.
type Task struct {
	ID         int64  `gorm:"primaryKey;column:task_id"`
	Short      string `gorm:"column:task_short"`
	FromDate   int64  // unix seconds
	DueDate    int64  // unix seconds
	MaxPoints  float64
	Autograded bool
	// FlagKey is assigned once at creation and never rotated or exposed.
	FlagKey  []byte
	ResetURL datatypes.Null[string]
}

func (Task) TableName() string {
	return "tasks"
}

func (t Task) GetID() int64 {
	return t.ID
}

// AssignFlagKey mints and stores the per-task key. It refuses to overwrite
// an existing key: flags in the field would stop verifying.
func AssignFlagKey(ctx context.Context, db *gorm.DB, taskID int64) error {
	ctx, span := tracer.Start(ctx, "AssignFlagKey")
	defer span.End()

	span.SetAttributes(attribute.Int64("task.id", taskID))

	if taskID < 0 || taskID > math.MaxUint16 {
		err := fmt.Errorf("task id %d outside the flag id space", taskID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task id out of range")
		return err
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := ByID[Task](ctx, tx, taskID)
		if err != nil {
			return err
		}
		if len(task.FlagKey) != 0 {
			return fmt.Errorf("task %d already has a flag key", taskID)
		}

		key, err := flags.NewKey(uint16(taskID))
		if err != nil {
			return err
		}

		return tx.Model(task).Update("flag_key", key).Error
	})
}

// KeyLookup resolves stored flag keys for the codec. Falls back to nil for
// unknown tasks, which the codec reports as invalid.
func KeyLookup(ctx context.Context, db *gorm.DB) flags.KeyFunc {
	return func(taskID uint16) ([]byte, error) {
		var task Task
		err := db.WithContext(ctx).Select("flag_key").First(&task, int64(taskID)).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if len(task.FlagKey) == 0 {
			return nil, nil
		}
		return task.FlagKey, nil
	}
}
