package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/logging"
)

// DiagnosticRepository persists diagnostics. Every write runs in its own transaction.
type DiagnosticRepository struct {
	retrier
	db *gorm.DB
}

// NewDiagnosticRepository creates a new repository instance.
func NewDiagnosticRepository(db *gorm.DB, logger *zap.Logger) *DiagnosticRepository {
	return &DiagnosticRepository{
		retrier: newRetrier(logger.Named("diagnostic_repository")),
		db:      db,
	}
}

// AutoMigrate creates both tables; the postgres deployment uses SQL migrations instead.
func (r *DiagnosticRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&User{}, &Diagnostic{})
}

// Create inserts d and assigns its ID. The owning user must exist and the
// result must be valid JSON; otherwise the transaction is rolled back and a
// KindIntegrity error is returned.
func (r *DiagnosticRepository) Create(ctx context.Context, d *Diagnostic) error {
	const op = "repository.create_diagnostic"

	if !json.Valid([]byte(d.Result)) {
		return apperr.New(apperr.KindIntegrity, op, ErrInvalidResult)
	}

	requestID := logging.RequestID(ctx)
	return r.executeWithRetry(ctx, op, requestID, func() error {
		d.ID = 0
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var owners int64
			if err := tx.Model(&User{}).Where("id = ?", d.UserID).Count(&owners).Error; err != nil {
				return err
			}
			if owners == 0 {
				return apperr.Newf(apperr.KindIntegrity, op, "user %d does not exist", d.UserID)
			}

			if err := tx.Omit("User").Create(d).Error; err != nil {
				if isForeignKeyViolation(err) {
					return apperr.Newf(apperr.KindIntegrity, op, "user %d does not exist: %v", d.UserID, err)
				}
				if isConstraintViolation(err) {
					return apperr.New(apperr.KindIntegrity, op, fmt.Errorf("error in saving diagnostic: %w", err))
				}
				return err
			}
			return nil
		})
	})
}

// GetByID returns the diagnostic or nil when none exists.
func (r *DiagnosticRepository) GetByID(ctx context.Context, id uint) (*Diagnostic, error) {
	var d Diagnostic
	found := true
	err := r.executeWithRetry(ctx, "repository.get_diagnostic", logging.RequestID(ctx), func() error {
		err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

// ListByUser returns the user's diagnostics in insertion order.
func (r *DiagnosticRepository) ListByUser(ctx context.Context, userID uint) ([]Diagnostic, error) {
	var out []Diagnostic
	err := r.executeWithRetry(ctx, "repository.list_diagnostics", logging.RequestID(ctx), func() error {
		out = out[:0]
		return r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountByUser returns how many diagnostics the user owns.
func (r *DiagnosticRepository) CountByUser(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := r.executeWithRetry(ctx, "repository.count_diagnostics", logging.RequestID(ctx), func() error {
		return r.db.WithContext(ctx).Model(&Diagnostic{}).Where("user_id = ?", userID).Count(&n).Error
	})
	return n, err
}

// DeleteByID removes the diagnostic. It reports false, without error, when no
// row matched, which also covers losing a race with a concurrent delete.
func (r *DiagnosticRepository) DeleteByID(ctx context.Context, id uint) (bool, error) {
	var deleted bool
	err := r.executeWithRetry(ctx, "repository.delete_diagnostic", logging.RequestID(ctx), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Delete(&Diagnostic{}, "id = ?", id)
			if res.Error != nil {
				return res.Error
			}
			deleted = res.RowsAffected > 0
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}
