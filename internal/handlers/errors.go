package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/logging"
	"github.com/example/lesion-diagnostics/internal/usecase"
)

type fieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func detail(c *gin.Context, status int, message interface{}) {
	c.AbortWithStatusJSON(status, gin.H{"detail": message})
}

// bind decodes the JSON body into dst. Malformed bodies yield 400, failed
// field validation 422.
func (a *API) bind(c *gin.Context, dst interface{}) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fieldError{
				Loc:  []string{"body", jsonFieldName(fe)},
				Msg:  validationMessage(fe),
				Type: "value_error." + fe.Tag(),
			})
		}
		detail(c, http.StatusUnprocessableEntity, fields)
		return false
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		detail(c, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		detail(c, http.StatusBadRequest, "request body is required")
	case errors.As(err, &typeErr):
		detail(c, http.StatusUnprocessableEntity, []fieldError{{
			Loc:  []string{"body", typeErr.Field},
			Msg:  "expected " + typeErr.Type.String(),
			Type: "type_error",
		}})
	case errors.As(err, &syntaxErr):
		detail(c, http.StatusBadRequest, "malformed JSON body")
	default:
		detail(c, http.StatusBadRequest, err.Error())
	}
	return false
}

func jsonFieldName(fe validator.FieldError) string {
	name := fe.Field()
	switch name {
	case "ImageURL":
		return "image_url"
	case "ImageData":
		return "image_data"
	case "UserID":
		return "user_id"
	}
	return strings.ToLower(name)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "email":
		return "value is not a valid email address"
	case "min":
		return "ensure this value has at least " + fe.Param() + " characters"
	}
	return "invalid value"
}

// fail maps a use case error onto a status code and {"detail": ...} body.
func (a *API) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, usecase.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, usecase.ErrEmailTaken), errors.Is(err, usecase.ErrUserHasDiagnostics):
		status = http.StatusConflict
	case errors.Is(err, usecase.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, usecase.ErrInvalidRole), errors.Is(err, usecase.ErrMissingResult):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, usecase.ErrInvalidImageData), errors.Is(err, usecase.ErrMissingImage):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		a.Logger.Error("request failed",
			zap.Error(err),
			zap.String("operation", logging.OperationOf(err)),
			zap.Stringer("kind", apperr.KindOf(err)),
			zap.String("request_id", logging.RequestID(c.Request.Context())),
		)
	}
	detail(c, status, err.Error())
}
