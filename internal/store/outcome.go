package store

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chirino/migration-service/internal/model"
)

// maxErrorMessageLen bounds the stored error text; tool output can be huge.
const maxErrorMessageLen = 1024

// Recorder persists per-target migration outcomes. Recording is observability,
// not the source of truth: callers log recorder errors and move on, and a
// recording failure never changes the actual migration result.
type Recorder struct {
	db *gorm.DB
}

// RecordSuccess writes a completed outcome row for one attempt.
func (r *Recorder) RecordSuccess(ctx context.Context, batchID, database, schema string, startedAt time.Time) error {
	return r.record(ctx, model.MigrationOutcome{
		BatchID:        batchID,
		TargetDatabase: database,
		TargetSchema:   schema,
		TargetType:     "schema",
		Status:         model.OutcomeCompleted,
		StartedAt:      startedAt,
		CompletedAt:    time.Now(),
	})
}

// RecordFailure writes a failed outcome row with truncated error text.
func (r *Recorder) RecordFailure(ctx context.Context, batchID, database, schema, errMsg string, startedAt time.Time) error {
	return r.record(ctx, model.MigrationOutcome{
		BatchID:        batchID,
		TargetDatabase: database,
		TargetSchema:   schema,
		TargetType:     "schema",
		Status:         model.OutcomeFailed,
		ErrorMessage:   truncate(errMsg, maxErrorMessageLen),
		StartedAt:      startedAt,
		CompletedAt:    time.Now(),
	})
}

// record inserts with conflict-do-nothing semantics so a retried write for the
// same (batch, database, schema) key never raises and never duplicates.
func (r *Recorder) record(ctx context.Context, row model.MigrationOutcome) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "target_database"}, {Name: "target_schema"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record %s outcome for %s.%s: %w", row.Status, row.TargetDatabase, row.TargetSchema, err)
	}
	return nil
}

// ListOutcomes returns the recorded outcomes for one batch, for the run report
// and re-run tooling.
func (r *Recorder) ListOutcomes(ctx context.Context, batchID string) ([]model.MigrationOutcome, error) {
	var rows []model.MigrationOutcome
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("completed_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes for batch %s: %w", batchID, err)
	}
	return rows, nil
}

// truncate cuts s to at most n bytes without splitting a multi-byte rune;
// Postgres rejects invalid UTF-8 in text columns.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
