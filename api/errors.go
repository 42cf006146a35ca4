package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/warp/assessment-engine/assessment"
)

var validate = validator.New()

// statusFor maps an error kind to its HTTP status.
func statusFor(kind assessment.Kind) int {
	switch kind {
	case assessment.KindValidation:
		return http.StatusBadRequest
	case assessment.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case assessment.KindNotFound:
		return http.StatusNotFound
	case assessment.KindConflict, assessment.KindInvalidState, assessment.KindAttemptInProgress:
		return http.StatusConflict
	case assessment.KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {error, message, details}. Internal errors get a
// generic message; the raw error text is only exposed in debug mode.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := assessment.KindOf(err)
	status := statusFor(kind)

	resp := ErrorResponse{Error: string(kind), Message: err.Error()}
	if kind == assessment.KindInternal {
		resp.Message = "internal error"
		log.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}

	var dup *assessment.DuplicateInBatchError
	if errors.As(err, &dup) {
		resp.Details = map[string]any{"duplicates": dup.Emails}
	}
	if h.debug {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &assessment.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &assessment.ValidationError{
			Field:   fe.Namespace(),
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
		}
	}
	return &assessment.ValidationError{Field: "body", Message: err.Error()}
}
