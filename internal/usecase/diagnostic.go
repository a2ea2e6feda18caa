package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/classifier"
	"github.com/example/lesion-diagnostics/internal/events"
	"github.com/example/lesion-diagnostics/internal/logging"
	"github.com/example/lesion-diagnostics/internal/report"
	"github.com/example/lesion-diagnostics/internal/repository"
)

// ImageResolver turns an image reference into a decoded image.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (*image.RGBA, error)
}

// Classifier is the initialized classification gateway.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (classifier.Result, error)
	Mode() classifier.Mode
}

// DiagnosticRepository defines the persistence operations needed by the use case.
type DiagnosticRepository interface {
	Create(ctx context.Context, d *repository.Diagnostic) error
	GetByID(ctx context.Context, id uint) (*repository.Diagnostic, error)
	ListByUser(ctx context.Context, userID uint) ([]repository.Diagnostic, error)
	DeleteByID(ctx context.Context, id uint) (bool, error)
}

// UserLookup checks that a diagnostic owner exists. A missing user is (nil, nil).
type UserLookup interface {
	GetByID(ctx context.Context, id uint) (*repository.User, error)
}

// EventPublisher emits domain events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// DiagnosticPayload is a classified diagnostic that has not been persisted yet.
type DiagnosticPayload struct {
	ImageURL string
	UserID   uint
	Result   string
}

// DiagnosisRequest carries either an image reference or inline base64 image data.
type DiagnosisRequest struct {
	ImageURL  string
	ImageData string
	UserID    uint
}

// DiagnosticOption customizes a DiagnosticUseCase.
type DiagnosticOption func(*DiagnosticUseCase)

// WithTempDir sets where inline uploads are materialized. Empty means os.TempDir.
func WithTempDir(dir string) DiagnosticOption {
	return func(uc *DiagnosticUseCase) { uc.tempDir = dir }
}

// DiagnosticUseCase orchestrates image resolution, classification and storage
// of diagnostics.
type DiagnosticUseCase struct {
	repo       DiagnosticRepository
	users      UserLookup
	resolver   ImageResolver
	classifier Classifier
	cache      *DiagnosticCache
	events     EventPublisher
	logger     *zap.Logger
	tempDir    string
}

// NewDiagnosticUseCase constructs a new use case instance. A nil cache disables caching.
func NewDiagnosticUseCase(repo DiagnosticRepository, users UserLookup, resolver ImageResolver, gateway Classifier, cache *DiagnosticCache, publisher EventPublisher, logger *zap.Logger, opts ...DiagnosticOption) *DiagnosticUseCase {
	named := logger.Named("diagnostic_usecase")
	if cache == nil {
		cache = NewDiagnosticCache(nil, 0, logger)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	uc := &DiagnosticUseCase{
		repo:       repo,
		users:      users,
		resolver:   resolver,
		classifier: gateway,
		cache:      cache,
		events:     publisher,
		logger:     named,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Mode reports the result shape produced by the classifier.
func (uc *DiagnosticUseCase) Mode() classifier.Mode { return uc.classifier.Mode() }

// ClassifyAndBuildResult resolves and classifies imageRef. It never fails: any
// error in the chain is encoded into the payload result instead.
func (uc *DiagnosticUseCase) ClassifyAndBuildResult(ctx context.Context, imageRef string, userID uint) DiagnosticPayload {
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_and_build", logging.RequestID(ctx))
	payload := DiagnosticPayload{ImageURL: imageRef, UserID: userID}

	result, err := uc.classify(ctx, imageRef)
	if err == nil {
		payload.Result, err = EncodeResult(result)
	}
	if err != nil {
		opLogger.Warn("classification failed, storing error result",
			zap.Error(err),
			zap.Stringer("kind", apperr.KindOf(err)),
		)
		payload.Result = EncodeFailure(uc.classifier.Mode(), err)
		return payload
	}

	opLogger.Info("image classified", zap.String("predicted", result.Predicted()))
	return payload
}

func (uc *DiagnosticUseCase) classify(ctx context.Context, imageRef string) (result classifier.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("classification aborted: %v", r)
		}
	}()

	img, err := uc.resolver.Resolve(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	return uc.classifier.Classify(ctx, img)
}

// CreateDiagnostic classifies imageRef and stores the outcome for userID,
// even when classification failed.
func (uc *DiagnosticUseCase) CreateDiagnostic(ctx context.Context, imageRef string, userID uint) (*repository.Diagnostic, error) {
	if err := uc.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	payload := uc.ClassifyAndBuildResult(ctx, imageRef, userID)
	return uc.persist(ctx, "usecase.create_diagnostic", payload)
}

// SaveClientSuppliedResult stores a result computed by the caller without
// running the classifier.
func (uc *DiagnosticUseCase) SaveClientSuppliedResult(ctx context.Context, imageRef string, userID uint, result json.RawMessage) (*repository.Diagnostic, error) {
	encoded, err := EncodeClientResult(result)
	if err != nil {
		return nil, err
	}
	if err := uc.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return uc.persist(ctx, "usecase.save_client_result", DiagnosticPayload{
		ImageURL: imageRef,
		UserID:   userID,
		Result:   encoded,
	})
}

// GetDiagnosis classifies the referenced or inline image and stores the result.
// Inline data is written to a temporary file that is removed before returning.
func (uc *DiagnosticUseCase) GetDiagnosis(ctx context.Context, req DiagnosisRequest) (*repository.Diagnostic, error) {
	const op = "usecase.get_diagnosis"

	switch {
	case req.ImageData != "":
		data, err := decodeInlineImage(req.ImageData)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImageData, err)
		}
		if err := uc.requireUser(ctx, req.UserID); err != nil {
			return nil, err
		}

		var payload DiagnosticPayload
		if err := withTempImage(uc.tempDir, data, func(path string) {
			payload = uc.ClassifyAndBuildResult(ctx, path, req.UserID)
		}); err != nil {
			logging.WithOperation(uc.logger, op, logging.RequestID(ctx)).Warn("temporary image handling failed", zap.Error(err))
			if payload.Result == "" {
				payload.Result = EncodeFailure(uc.classifier.Mode(), err)
			}
		}
		payload.ImageURL = inlineImageRef(data)
		payload.UserID = req.UserID
		return uc.persist(ctx, op, payload)

	case req.ImageURL != "":
		if err := uc.requireUser(ctx, req.UserID); err != nil {
			return nil, err
		}
		return uc.persist(ctx, op, uc.ClassifyAndBuildResult(ctx, req.ImageURL, req.UserID))

	default:
		return nil, ErrMissingImage
	}
}

// FindByID returns the diagnostic with id, or nil when there is none.
func (uc *DiagnosticUseCase) FindByID(ctx context.Context, id uint) (*repository.Diagnostic, error) {
	if cached, found := uc.cache.lookup(ctx, id); found {
		return cached, nil
	}

	d, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, logging.NewOperationError("usecase.find_diagnostic", logging.RequestID(ctx), err)
	}
	if d == nil {
		return nil, nil
	}
	uc.cache.fill(ctx, d)
	return d, nil
}

// ListByUser returns every diagnostic owned by userID.
func (uc *DiagnosticUseCase) ListByUser(ctx context.Context, userID uint) ([]repository.Diagnostic, error) {
	if err := uc.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	list, err := uc.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_diagnostics", logging.RequestID(ctx), err)
	}
	return list, nil
}

// DeleteByID removes a diagnostic. It reports false when nothing matched.
func (uc *DiagnosticUseCase) DeleteByID(ctx context.Context, id uint) (bool, error) {
	requestID := logging.RequestID(ctx)
	deleted, err := uc.repo.DeleteByID(ctx, id)
	if err != nil {
		return false, logging.NewOperationError("usecase.delete_diagnostic", requestID, err)
	}
	if !deleted {
		return false, nil
	}

	uc.cache.forget(ctx, id)
	uc.publish(ctx, events.NewEvent(events.TypeDiagnosticDeleted, map[string]interface{}{
		"diagnostic_id": id,
	}))
	return true, nil
}

// ExportUserHistory renders every diagnostic of userID as an XLSX workbook.
func (uc *DiagnosticUseCase) ExportUserHistory(ctx context.Context, userID uint) ([]byte, error) {
	const op = "usecase.export_history"
	requestID := logging.RequestID(ctx)

	user, err := uc.users.GetByID(ctx, userID)
	if err != nil {
		return nil, logging.NewOperationError(op, requestID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	list, err := uc.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, logging.NewOperationError(op, requestID, err)
	}

	rows := make([]report.Row, 0, len(list))
	for _, d := range list {
		rows = append(rows, reportRow(d))
	}
	out, err := report.DiagnosticsWorkbook(user.Email, rows)
	if err != nil {
		return nil, logging.NewOperationError(op, requestID, err)
	}
	return out, nil
}

func reportRow(d repository.Diagnostic) report.Row {
	row := report.Row{
		ID:        d.ID,
		ImageURL:  d.ImageURL,
		Result:    d.Result,
		CreatedAt: d.CreatedAt,
		Status:    "unknown",
	}
	outcome, err := DecodeResult(d.Result)
	if err != nil {
		return row
	}
	if !outcome.Succeeded() {
		row.Status = statusError
		return row
	}
	row.Status = statusSuccess
	row.Prediction = outcome.Result.Predicted()
	switch res := outcome.Result.(type) {
	case classifier.SingleLabel:
		row.Confidence = res.Confidence
	case classifier.Distribution:
		row.Confidence = res.Confidence()
	}
	return row
}

func (uc *DiagnosticUseCase) requireUser(ctx context.Context, userID uint) error {
	user, err := uc.users.GetByID(ctx, userID)
	if err != nil {
		return logging.NewOperationError("usecase.lookup_user", logging.RequestID(ctx), err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	return nil
}

func (uc *DiagnosticUseCase) persist(ctx context.Context, op string, payload DiagnosticPayload) (*repository.Diagnostic, error) {
	requestID := logging.RequestID(ctx)
	d := &repository.Diagnostic{
		ImageURL: payload.ImageURL,
		Result:   payload.Result,
		UserID:   payload.UserID,
	}
	if err := uc.repo.Create(ctx, d); err != nil {
		wrapped := logging.NewOperationError(op, requestID, err)
		logging.WithOperation(uc.logger, op, requestID).Error("failed to persist diagnostic", zap.Error(wrapped))
		return nil, wrapped
	}

	uc.cache.store(ctx, d)
	uc.publish(ctx, events.NewEvent(events.TypeDiagnosticCreated, map[string]interface{}{
		"diagnostic_id": d.ID,
		"user_id":       d.UserID,
	}))
	return d, nil
}

func (uc *DiagnosticUseCase) publish(ctx context.Context, evt events.Event) {
	if err := uc.events.Publish(ctx, evt); err != nil {
		logging.WithOperation(uc.logger, "usecase.publish_event", logging.RequestID(ctx)).Warn("failed to publish event",
			zap.Error(err),
			zap.String("event_type", evt.Type),
		)
	}
}
