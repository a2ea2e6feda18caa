package usecase

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/lesion-diagnostics/internal/events"
	"github.com/example/lesion-diagnostics/internal/logging"
	"github.com/example/lesion-diagnostics/internal/repository"
)

// UserRepository defines the account persistence the directory needs.
type UserRepository interface {
	Create(ctx context.Context, u *repository.User) error
	GetByID(ctx context.Context, id uint) (*repository.User, error)
	GetByEmail(ctx context.Context, email string) (*repository.User, error)
	List(ctx context.Context) ([]repository.User, error)
	Delete(ctx context.Context, id uint, cascade bool) (repository.DeleteResult, error)
}

// TokenIssuer signs access tokens for a subject.
type TokenIssuer interface {
	Issue(subject string) (string, time.Time, error)
}

// NewUser is the input for creating an account.
type NewUser struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// Session is the outcome of a successful register or login.
type Session struct {
	User      *repository.User
	Token     string
	ExpiresAt time.Time
}

// UserUseCase is the user directory: account creation, lookup, deletion and login.
type UserUseCase struct {
	repo       UserRepository
	cache      *DiagnosticCache
	events     EventPublisher
	tokens     TokenIssuer
	logger     *zap.Logger
	bcryptCost int
}

// NewUserUseCase constructs the user directory. tokens may be nil, in which
// case sessions carry no token. cache should be the one the diagnostic use
// case reads from so cascaded deletes are visible there.
func NewUserUseCase(repo UserRepository, cache *DiagnosticCache, publisher EventPublisher, tokens TokenIssuer, logger *zap.Logger) *UserUseCase {
	named := logger.Named("user_usecase")
	if cache == nil {
		cache = NewDiagnosticCache(nil, 0, logger)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &UserUseCase{
		repo:       repo,
		cache:      cache,
		events:     publisher,
		tokens:     tokens,
		logger:     named,
		bcryptCost: bcrypt.DefaultCost,
	}
}

// Create registers an account with the given role.
func (uc *UserUseCase) Create(ctx context.Context, in NewUser) (*repository.User, error) {
	const op = "usecase.create_user"
	requestID := logging.RequestID(ctx)

	role := strings.ToLower(strings.TrimSpace(in.Role))
	if role == "" {
		role = repository.RolePatient
	}
	if !repository.ValidRole(role) {
		return nil, ErrInvalidRole
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), uc.bcryptCost)
	if err != nil {
		return nil, logging.NewOperationError(op, requestID, err)
	}

	user := &repository.User{
		Name:         strings.TrimSpace(in.Name),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Role:         role,
		PasswordHash: string(hash),
	}
	if err := uc.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, logging.NewOperationError(op, requestID, err)
	}

	logging.WithOperation(uc.logger, op, requestID).Info("user created", zap.Uint("user_id", user.ID), zap.String("role", role))
	return user, nil
}

// Register creates a patient account and opens a session for it.
func (uc *UserUseCase) Register(ctx context.Context, in NewUser) (*Session, error) {
	in.Role = repository.RolePatient
	user, err := uc.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	return uc.session(ctx, user)
}

// Login checks the password of the account registered under email.
func (uc *UserUseCase) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := uc.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, logging.NewOperationError("usecase.login", logging.RequestID(ctx), err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return uc.session(ctx, user)
}

func (uc *UserUseCase) session(ctx context.Context, user *repository.User) (*Session, error) {
	s := &Session{User: user}
	if uc.tokens == nil {
		return s, nil
	}
	token, expiresAt, err := uc.tokens.Issue(strconv.FormatUint(uint64(user.ID), 10))
	if err != nil {
		return nil, logging.NewOperationError("usecase.issue_token", logging.RequestID(ctx), err)
	}
	s.Token, s.ExpiresAt = token, expiresAt
	return s, nil
}

// Get returns the user with id, or nil when there is none.
func (uc *UserUseCase) Get(ctx context.Context, id uint) (*repository.User, error) {
	user, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_user", logging.RequestID(ctx), err)
	}
	return user, nil
}

// List returns every account.
func (uc *UserUseCase) List(ctx context.Context) ([]repository.User, error) {
	users, err := uc.repo.List(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_users", logging.RequestID(ctx), err)
	}
	return users, nil
}

// Delete removes a user. Unless cascade is set, a user that still owns
// diagnostics is kept and ErrUserHasDiagnostics is returned.
func (uc *UserUseCase) Delete(ctx context.Context, id uint, cascade bool) (bool, error) {
	const op = "usecase.delete_user"
	requestID := logging.RequestID(ctx)

	res, err := uc.repo.Delete(ctx, id, cascade)
	if err != nil {
		if errors.Is(err, repository.ErrUserHasDiagnostics) {
			return false, ErrUserHasDiagnostics
		}
		return false, logging.NewOperationError(op, requestID, err)
	}
	if !res.Deleted {
		return false, nil
	}

	uc.cache.forget(ctx, res.RemovedDiagnostics...)
	if err := uc.events.Publish(ctx, events.NewEvent(events.TypeUserDeleted, map[string]interface{}{
		"user_id":             id,
		"removed_diagnostics": res.RemovedDiagnostics,
	})); err != nil {
		logging.WithOperation(uc.logger, op, requestID).Warn("failed to publish event", zap.Error(err))
	}
	logging.WithOperation(uc.logger, op, requestID).Info("user deleted",
		zap.Uint("user_id", id),
		zap.Int("removed_diagnostics", len(res.RemovedDiagnostics)),
	)
	return true, nil
}
