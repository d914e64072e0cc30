package api

import (
	"errors"
	"net/http"

	"github.com/openfroyo/froyobox/pkg/engine"
)

// codeUnauthenticated is returned when the caller identity is missing or the
// API key does not match.
const codeUnauthenticated = "UNAUTHENTICATED"

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error *engine.EngineError `json:"error"`
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch engine.CodeOf(err) {
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeAlreadyExists, engine.ErrCodeInvalidStatus:
		return http.StatusConflict
	case engine.ErrCodeProvider:
		return http.StatusBadGateway
	case engine.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case codeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// publicError returns the error as exposed to API callers. Unclassified
// errors are replaced by a generic internal error.
func publicError(err error) *engine.EngineError {
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code == "" || ee.Code == engine.ErrCodeInternal {
		return &engine.EngineError{
			Class:   engine.ErrorClassTransient,
			Code:    engine.ErrCodeInternal,
			Message: "internal error",
		}
	}
	return &engine.EngineError{
		Class:     ee.Class,
		Code:      ee.Code,
		Message:   ee.Message,
		Resource:  ee.Resource,
		Operation: ee.Operation,
		Details:   ee.Details,
	}
}

func unauthenticated(message string) *engine.EngineError {
	return engine.NewPermanentError(message, nil).WithCode(codeUnauthenticated)
}
