package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/services/iam"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error             string `json:"error"`
	TwoFactorRequired bool   `json:"twoFactorRequired,omitempty"`
}

// statusFor maps service sentinels to HTTP status codes. Unknown errors are
// internal and their message is not exposed.
func statusFor(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, iam.ErrTwoFactorRequired):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error(), TwoFactorRequired: true}
	case errors.Is(err, auth.ErrBadRequest):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errors.Is(err, auth.ErrEmailAlreadyInUse), errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict, ErrorResponse{Error: auth.ErrEmailAlreadyInUse.Error()}
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, ErrorResponse{Error: auth.ErrInvalidToken.Error()}
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error()}
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()}
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not found"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed json body: %v", auth.ErrBadRequest, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
