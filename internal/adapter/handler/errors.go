package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidRequest     = "invalid_request"
	codeNotFound           = "not_found"
	codeInsufficientStock  = "insufficient_stock"
	codeInvalidState       = "invalid_state"
	codeExpired            = "reservation_expired"
	codeDuplicateRequest   = "duplicate_request"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	target error
	status int
	grpc   codes.Code
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrValidation, http.StatusBadRequest, codes.InvalidArgument, codeInvalidRequest},
	{domain.ErrNotFound, http.StatusNotFound, codes.NotFound, codeNotFound},
	{domain.ErrInsufficientStock, http.StatusConflict, codes.ResourceExhausted, codeInsufficientStock},
	{domain.ErrInvalidState, http.StatusConflict, codes.FailedPrecondition, codeInvalidState},
	{domain.ErrExpired, http.StatusGone, codes.Aborted, codeExpired},
	{domain.ErrDuplicateRequest, http.StatusConflict, codes.AlreadyExists, codeDuplicateRequest},
}

func lookupError(err error) (errorMapping, bool) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m, true
		}
	}
	return errorMapping{}, false
}

// writeServiceError maps a service error to its HTTP status. Unknown errors
// are reported as internal without leaking their text.
func writeServiceError(w http.ResponseWriter, err error) {
	if m, ok := lookupError(err); ok {
		writeError(w, m.status, m.code, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
