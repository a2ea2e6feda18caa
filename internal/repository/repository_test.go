package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/logging"
)

var dbCounter atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_test_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := NewDiagnosticRepository(db, zap.NewNop()).AutoMigrate(context.Background()); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return db
}

func seedUser(t *testing.T, repo *UserRepository, email string) *User {
	t.Helper()
	u := &User{Name: "Ana", Role: RolePatient, Email: email, PasswordHash: "$2a$10$placeholder"}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return u
}

func countDiagnostics(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&Diagnostic{}).Count(&n).Error; err != nil {
		t.Fatalf("failed to count diagnostics: %v", err)
	}
	return n
}

func TestCreateAssignsIDAndGetByID(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	repo := NewDiagnosticRepository(db, zap.NewNop())
	owner := seedUser(t, users, "ana@example.com")

	d := &Diagnostic{ImageURL: "/tmp/mole.png", Result: `{"status":"success","diagnosis":"nv","confidence":0.9}`, UserID: owner.ID}
	if err := repo.Create(context.Background(), d); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if d.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}

	got, err := repo.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got == nil || got.Result != d.Result || got.UserID != owner.ID {
		t.Fatalf("unexpected diagnostic: %+v", got)
	}

	missing, err := repo.GetByID(context.Background(), d.ID+100)
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing id, got %+v, %v", missing, err)
	}
}

func TestCreateForUnknownUserFailsWithoutWriting(t *testing.T) {
	db := openTestDB(t)
	repo := NewDiagnosticRepository(db, zap.NewNop())

	before := countDiagnostics(t, db)
	err := repo.Create(context.Background(), &Diagnostic{ImageURL: "x", Result: `"No response available"`, UserID: 4242})
	if !apperr.IsKind(err, apperr.KindIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if !strings.Contains(err.Error(), "4242") {
		t.Fatalf("expected descriptive message, got %q", err.Error())
	}
	if after := countDiagnostics(t, db); after != before {
		t.Fatalf("expected row count to stay %d, got %d", before, after)
	}
}

func TestCreateRejectsNonJSONResult(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	repo := NewDiagnosticRepository(db, zap.NewNop())
	owner := seedUser(t, users, "raw@example.com")

	err := repo.Create(context.Background(), &Diagnostic{ImageURL: "x", Result: "mel", UserID: owner.ID})
	if !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}
	if countDiagnostics(t, db) != 0 {
		t.Fatal("expected nothing to be written")
	}
}

func TestListByUserReturnsOnlyOwnedRecords(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	repo := NewDiagnosticRepository(db, zap.NewNop())
	owner := seedUser(t, users, "owner@example.com")
	other := seedUser(t, users, "other@example.com")

	for i := 0; i < 3; i++ {
		d := &Diagnostic{ImageURL: fmt.Sprintf("img-%d", i), Result: `{}`, UserID: owner.ID}
		if err := repo.Create(context.Background(), d); err != nil {
			t.Fatalf("failed to create diagnostic: %v", err)
		}
	}
	if err := repo.Create(context.Background(), &Diagnostic{ImageURL: "foreign", Result: `{}`, UserID: other.ID}); err != nil {
		t.Fatalf("failed to create diagnostic: %v", err)
	}

	list, err := repo.ListByUser(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 diagnostics, got %d", len(list))
	}
	for _, d := range list {
		if d.UserID != owner.ID {
			t.Fatalf("diagnostic %d belongs to user %d", d.ID, d.UserID)
		}
	}

	n, err := repo.CountByUser(context.Background(), other.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 diagnostic for other user, got %d (%v)", n, err)
	}
}

func TestDeleteByIDIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	repo := NewDiagnosticRepository(db, zap.NewNop())
	owner := seedUser(t, users, "del@example.com")

	d := &Diagnostic{ImageURL: "x", Result: `{}`, UserID: owner.ID}
	if err := repo.Create(context.Background(), d); err != nil {
		t.Fatalf("failed to create diagnostic: %v", err)
	}

	first, err := repo.DeleteByID(context.Background(), d.ID)
	if err != nil || !first {
		t.Fatalf("expected first delete to report true, got %v (%v)", first, err)
	}
	second, err := repo.DeleteByID(context.Background(), d.ID)
	if err != nil || second {
		t.Fatalf("expected second delete to report false, got %v (%v)", second, err)
	}
}

func TestConcurrentDeletesReportOneWinner(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	repo := NewDiagnosticRepository(db, zap.NewNop())
	owner := seedUser(t, users, "race@example.com")

	d := &Diagnostic{ImageURL: "x", Result: `{}`, UserID: owner.ID}
	if err := repo.Create(context.Background(), d); err != nil {
		t.Fatalf("failed to create diagnostic: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.DeleteByID(context.Background(), d.ID)
			if err != nil {
				t.Errorf("delete failed: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one successful delete, got %d", wins.Load())
	}
}

func TestUserCreateRejectsDuplicateEmail(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	seedUser(t, users, "dup@example.com")

	err := users.Create(context.Background(), &User{Name: "B", Role: RoleDoctor, Email: "dup@example.com", PasswordHash: "x"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestUserLookups(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	created := seedUser(t, users, "look@example.com")

	byEmail, err := users.GetByEmail(context.Background(), "look@example.com")
	if err != nil || byEmail == nil || byEmail.ID != created.ID {
		t.Fatalf("unexpected lookup result %+v (%v)", byEmail, err)
	}
	missing, err := users.GetByID(context.Background(), created.ID+1)
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil, got %+v (%v)", missing, err)
	}
	list, err := users.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one user, got %d (%v)", len(list), err)
	}
}

func TestUserDeleteBlockedThenCascade(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, zap.NewNop())
	repo := NewDiagnosticRepository(db, zap.NewNop())
	owner := seedUser(t, users, "cascade@example.com")
	for i := 0; i < 2; i++ {
		if err := repo.Create(context.Background(), &Diagnostic{ImageURL: "x", Result: `{}`, UserID: owner.ID}); err != nil {
			t.Fatalf("failed to create diagnostic: %v", err)
		}
	}

	_, err := users.Delete(context.Background(), owner.ID, false)
	if !errors.Is(err, ErrUserHasDiagnostics) {
		t.Fatalf("expected ErrUserHasDiagnostics, got %v", err)
	}
	if still, _ := users.GetByID(context.Background(), owner.ID); still == nil {
		t.Fatal("blocked delete must not remove the user")
	}

	res, err := users.Delete(context.Background(), owner.ID, true)
	if err != nil {
		t.Fatalf("expected cascade delete to succeed, got %v", err)
	}
	if !res.Deleted || len(res.RemovedDiagnostics) != 2 {
		t.Fatalf("unexpected delete result: %+v", res)
	}
	if countDiagnostics(t, db) != 0 {
		t.Fatal("expected diagnostics to be removed")
	}

	res, err = users.Delete(context.Background(), owner.ID, true)
	if err != nil || res.Deleted {
		t.Fatalf("expected second delete to report false, got %+v (%v)", res, err)
	}
}

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	r := &retrier{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := r.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	r := &retrier{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := r.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range []string{RolePatient, RoleDoctor, RoleAdmin} {
		if !ValidRole(role) {
			t.Fatalf("expected %s to be valid", role)
		}
	}
	if ValidRole("nurse") {
		t.Fatal("expected nurse to be rejected")
	}
}
