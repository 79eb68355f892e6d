package api

import (
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/odvcencio/testpilot/pkg/errors"
)

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response, mapping the error's
// code to an HTTP status.
func respondError(w http.ResponseWriter, err error) {
	status := statusForError(err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Details   string `json:"details,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Status:    status,
		Error:     http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var structured *apperrors.Error
	if stdliberrors.As(err, &structured) {
		response.Code = string(structured.Code)
		if structured.UserMessage != "" {
			response.Error = structured.UserMessage
		} else if structured.Message != "" {
			response.Error = structured.Message
		}
		response.Details = structured.Error()
		response.Retryable = structured.Retryable
	} else if err != nil {
		response.Error = err.Error()
	}

	_ = json.NewEncoder(w).Encode(response)
}

// statusForError maps structured error codes onto HTTP statuses.
func statusForError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeSessionNotFound, apperrors.ErrCodeBatchNotFound, apperrors.ErrCodeScriptNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeSessionTerminal, apperrors.ErrCodeBatchTerminal,
		apperrors.ErrCodeTransitionInvalid, apperrors.ErrCodeOwnershipConflict:
		return http.StatusConflict
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeScriptInvalid:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// respondBadRequest reports a malformed request body or parameter.
func respondBadRequest(w http.ResponseWriter, message string) {
	respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, message))
}

// decodeJSON parses a request body into dst, bounding the read.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// parseSeq parses a 1-based step sequence number from a URL parameter.
func parseSeq(raw string) (int, error) {
	seq, err := strconv.Atoi(raw)
	if err != nil || seq < 1 {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "step sequence must be a positive integer")
	}
	return seq, nil
}
