package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrVersionConflict is returned when a versioned write matched no row.
var ErrVersionConflict = errors.New("row version changed")

// ErrConflictExhausted wraps the last conflict once all attempts were used.
var ErrConflictExhausted = errors.New("transaction conflict persisted")

const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateUniqueViolation      = "23505"
)

// DefaultConflictAttempts bounds RunInTx.
const DefaultConflictAttempts = 3

// IsConflict reports whether err means a concurrent writer won and the
// transaction can be retried from the start.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateSerializationFailure || pgErr.Code == sqlstateDeadlockDetected
	}
	return false
}

// IsUniqueViolation reports whether err is a duplicate key error.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation
}

// CreateOrConflict inserts value. A duplicate key means a concurrent writer
// inserted the same row first, which is reported as ErrVersionConflict so
// RunInTx reruns the transaction and finds that row.
func CreateOrConflict(tx *gorm.DB, value any) error {
	err := tx.Create(value).Error
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrVersionConflict, err)
	}
	return err
}

// ForUpdate locks selected rows until the transaction ends.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// RunInTx runs fn in a transaction and reruns the whole transaction on conflict,
// up to attempts times. onConflict is called before each rerun.
func RunInTx(ctx context.Context, gdb *gorm.DB, attempts int, onConflict func(attempt int, err error), fn func(tx *gorm.DB) error) error {
	if attempts <= 0 {
		attempts = DefaultConflictAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = gdb.WithContext(ctx).Transaction(fn)
		if !IsConflict(err) {
			return err
		}
		if onConflict != nil {
			onConflict(attempt, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConflictExhausted, attempts, err)
}

// UpdateVersioned writes every column of model conditioned on its previous
// version and bumps the version. model must carry a Version field.
func UpdateVersioned(tx *gorm.DB, model any, prevVersion int64) error {
	res := tx.Model(model).
		Select("*").
		Omit("id", "created_at").
		Where("version = ?", prevVersion).
		Updates(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}
