package api

import (
	"encoding/json"
	"log/slog"
	"negotiation-lab/domain/event"
	"negotiation-lab/errors"
	"negotiation-lab/negotiation"
	"net/http"
)

const (
	codeValidation        = "VALIDATION"
	codeUnauthorized      = "UNAUTHORIZED"
	codeIllegalTransition = "ILLEGAL_TRANSITION"
	codeNotFound          = "NOT_FOUND"
	codeInternal          = "INTERNAL"
)

// classify maps a core error to its status and public body.
// Internal failures never leak their message.
func classify(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, errors.ErrValidation), errors.Is(err, errors.ErrUnknownCommand):
		return http.StatusBadRequest, errorResponse{Code: codeValidation, Error: err.Error()}
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusForbidden, errorResponse{Code: codeUnauthorized, Error: err.Error()}
	case errors.Is(err, errors.ErrIllegalTransition):
		current, _ := negotiation.CurrentOffer(err)
		return http.StatusConflict, errorResponse{Code: codeIllegalTransition, Error: err.Error(), Current: current}
	case errors.Is(err, errors.ErrConversationNotFound):
		return http.StatusNotFound, errorResponse{Code: codeNotFound, Error: err.Error()}
	case errors.Is(err, errors.ErrConversationExists):
		return http.StatusConflict, errorResponse{Code: codeValidation, Error: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Code: codeInternal, Error: "internal error"}
	}
}

func rejection(requestID string, err error) *event.Rejection {
	_, body := classify(err)
	return &event.Rejection{
		RequestID: requestID,
		Code:      body.Code,
		Reason:    body.Error,
		Current:   body.Current,
	}
}

func writeError(log *slog.Logger, w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	} else {
		log.Debug("Request refused", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
