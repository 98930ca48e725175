package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"loyaltycore/internal/model"
)

// Error codes returned in the error envelope
const (
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInternal     = "INTERNAL_ERROR"

	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid   = "TOKEN_INVALID"
	ErrCodeInvalidState   = "INVALID_STATE"
	ErrCodeNotEditable    = "NOT_EDITABLE"
	ErrCodeAlreadyApplied = "ALREADY_APPLIED"
	ErrCodeInvalidFilter  = "INVALID_FILTER"
	ErrCodeSelfReferral   = "SELF_REFERRAL"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and message
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		// headers are already sent, nothing useful to do on failure
		_ = json.NewEncoder(w).Encode(data)
	}
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteError writes an error response matching API spec format:
// {"error": {"code": "ERROR_CODE", "message": "Human readable message"}}
func WriteError(w http.ResponseWriter, status int, code string, message string) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
	WriteJSON(w, status, response)
}

// Common error response helpers

// WriteBadRequest writes a 400 Bad Request error
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// WriteBadRequestWithCode writes a 400 Bad Request error with a custom code
func WriteBadRequestWithCode(w http.ResponseWriter, code string, message string) {
	WriteError(w, http.StatusBadRequest, code, message)
}

// WriteUnauthorized writes a 401 Unauthorized error
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// WriteUnauthorizedWithCode writes a 401 Unauthorized error with a custom code
func WriteUnauthorizedWithCode(w http.ResponseWriter, code string, message string) {
	WriteError(w, http.StatusUnauthorized, code, message)
}

// WriteForbidden writes a 403 Forbidden error
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// WriteNotFound writes a 404 Not Found error
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// WriteConflict writes a 409 Conflict error
func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ErrCodeConflict, message)
}

// WriteInternalError writes a 500 Internal Server Error
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// domainErrors maps sentinel errors to their HTTP status and code.
var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{model.ErrValidation, http.StatusBadRequest, ErrCodeBadRequest},
	{model.ErrTargetResolution, http.StatusBadRequest, ErrCodeInvalidFilter},
	{model.ErrSelfReferral, http.StatusBadRequest, ErrCodeSelfReferral},
	{model.ErrInvalidSettings, http.StatusBadRequest, ErrCodeBadRequest},
	{model.ErrUserNotFound, http.StatusNotFound, ErrCodeNotFound},
	{model.ErrGiftNotFound, http.StatusNotFound, ErrCodeNotFound},
	{model.ErrNotificationNotFound, http.StatusNotFound, ErrCodeNotFound},
	{model.ErrPromotionNotFound, http.StatusNotFound, ErrCodeNotFound},
	{model.ErrPromoCodeNotFound, http.StatusNotFound, ErrCodeNotFound},
	{model.ErrNoReferralPromotion, http.StatusNotFound, ErrCodeNotFound},
	{model.ErrInvalidState, http.StatusConflict, ErrCodeInvalidState},
	{model.ErrNotEditable, http.StatusConflict, ErrCodeNotEditable},
	{model.ErrAlreadyApplied, http.StatusConflict, ErrCodeAlreadyApplied},
}

// WriteServiceError maps a domain error to its response. Anything unknown is
// logged and answered with a 500 carrying message.
func WriteServiceError(w http.ResponseWriter, logger *zap.Logger, err error, message string) {
	for _, de := range domainErrors {
		if errors.Is(err, de.err) {
			WriteError(w, de.status, de.code, err.Error())
			return
		}
	}
	if logger != nil {
		logger.Error(message, zap.Error(err))
	}
	WriteInternalError(w, message)
}
