package usecase

import "errors"

var (
	// ErrUserNotFound is returned when an operation names a user that does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken is returned when registering an email that is already in use.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUserHasDiagnostics blocks deleting a user that still owns diagnostics.
	ErrUserHasDiagnostics = errors.New("user still has diagnostics; retry with cascade")
	// ErrInvalidCredentials is returned by Login for an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidRole is returned for a role outside patient, doctor and admin.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidImageData is returned when inline image data is not valid base64.
	ErrInvalidImageData = errors.New("image_data is not valid base64")
	// ErrMissingImage is returned when a diagnosis request carries neither image_url nor image_data.
	ErrMissingImage = errors.New("either image_url or image_data is required")
	// ErrMissingResult is returned when a client supplied result is null or not JSON.
	ErrMissingResult = errors.New("result must be a non-null JSON value")
)
