package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/logging"
)

// UserRepository persists user accounts.
type UserRepository struct {
	retrier
	db *gorm.DB
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		retrier: newRetrier(logger.Named("user_repository")),
		db:      db,
	}
}

// Create inserts u. A taken email yields ErrDuplicateEmail.
func (r *UserRepository) Create(ctx context.Context, u *User) error {
	const op = "repository.create_user"
	return r.executeWithRetry(ctx, op, logging.RequestID(ctx), func() error {
		u.ID = 0
		err := r.db.WithContext(ctx).Create(u).Error
		if err != nil && isUniqueViolation(err) {
			return apperr.New(apperr.KindIntegrity, op, ErrDuplicateEmail)
		}
		return err
	})
}

// GetByID returns the user or nil when none exists.
func (r *UserRepository) GetByID(ctx context.Context, id uint) (*User, error) {
	return r.first(ctx, "repository.get_user", "id = ?", id)
}

// GetByEmail returns the user or nil when none exists.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.first(ctx, "repository.get_user_by_email", "email = ?", email)
}

func (r *UserRepository) first(ctx context.Context, op, query string, arg interface{}) (*User, error) {
	var u User
	found := true
	err := r.executeWithRetry(ctx, op, logging.RequestID(ctx), func() error {
		err := r.db.WithContext(ctx).Where(query, arg).First(&u).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// List returns every user ordered by ID.
func (r *UserRepository) List(ctx context.Context) ([]User, error) {
	var out []User
	err := r.executeWithRetry(ctx, "repository.list_users", logging.RequestID(ctx), func() error {
		out = out[:0]
		return r.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResult describes what a user deletion removed.
type DeleteResult struct {
	Deleted            bool
	RemovedDiagnostics []uint
}

// Delete removes the user in one transaction. Without cascade, a user that
// still owns diagnostics is left untouched and ErrUserHasDiagnostics is
// returned; with cascade, those diagnostics are deleted first.
func (r *UserRepository) Delete(ctx context.Context, id uint, cascade bool) (DeleteResult, error) {
	const op = "repository.delete_user"

	var result DeleteResult
	err := r.executeWithRetry(ctx, op, logging.RequestID(ctx), func() error {
		result = DeleteResult{}
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var owned []uint
			if err := tx.Model(&Diagnostic{}).Where("user_id = ?", id).Order("id ASC").Pluck("id", &owned).Error; err != nil {
				return err
			}
			if len(owned) > 0 {
				if !cascade {
					return apperr.New(apperr.KindIntegrity, op, ErrUserHasDiagnostics)
				}
				if err := tx.Where("user_id = ?", id).Delete(&Diagnostic{}).Error; err != nil {
					return err
				}
			}

			res := tx.Delete(&User{}, "id = ?", id)
			if res.Error != nil {
				if isForeignKeyViolation(res.Error) {
					return apperr.New(apperr.KindIntegrity, op, ErrUserHasDiagnostics)
				}
				return res.Error
			}
			result.Deleted = res.RowsAffected > 0
			if result.Deleted {
				result.RemovedDiagnostics = owned
			}
			return nil
		})
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}
