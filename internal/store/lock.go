package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chirino/migration-service/internal/model"
)

// LockRepo is the table-backed distributed lock. Rows in migration_locks are
// advisory application-level locks keyed by "{database}:{schema}", shared by
// all worker processes; coordination happens entirely through the
// insert / read-back / delete-if-owner protocol below, never through ad hoc
// row updates or in-process mutexes.
type LockRepo struct {
	db *gorm.DB
}

// Acquire attempts to take the lock for resourceKey on behalf of holderID.
//
// The protocol is insert-on-conflict-do-nothing followed by a read-back:
// "the insert succeeded" and "I hold the lock" are different facts when two
// workers insert concurrently, so the caller only proceeds when the read-back
// holder equals holderID. A holder re-acquiring its own live lock gets true.
func (r *LockRepo) Acquire(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// An expired row is reclaimable without an explicit release; clear it
	// first so the insert below can take over.
	err := r.db.WithContext(ctx).
		Where("resource_key = ? AND expires_at < ?", resourceKey, now).
		Delete(&model.LockRecord{}).Error
	if err != nil {
		return false, fmt.Errorf("failed to reclaim expired lock %s: %w", resourceKey, err)
	}

	rec := model.LockRecord{
		ResourceKey: resourceKey,
		LockedBy:    holderID,
		LockedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "resource_key"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return false, fmt.Errorf("failed to insert lock %s: %w", resourceKey, err)
	}

	var current model.LockRecord
	err = r.db.WithContext(ctx).First(&current, "resource_key = ?", resourceKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Swept between insert and read-back; treat as contended.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read back lock %s: %w", resourceKey, err)
	}
	return current.LockedBy == holderID, nil
}

// Release deletes the lock row only when both key and holder match, so a
// worker whose TTL lapsed cannot release a lock another worker now holds.
// Returns false when the row was not deleted.
func (r *LockRepo) Release(ctx context.Context, resourceKey, holderID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("resource_key = ? AND locked_by = ?", resourceKey, holderID).
		Delete(&model.LockRecord{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", resourceKey, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SweepExpired deletes every lock row whose expiry has passed and returns the
// count. Invoked at the start of every orchestration run; a lock held by a
// crashed worker is reclaimed only once its TTL elapses.
func (r *LockRepo) SweepExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&model.LockRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
