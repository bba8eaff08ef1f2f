package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/obs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// statusFor maps an auth failure to its HTTP status.
func statusFor(e *auth.Error) int {
	switch e.Kind {
	case auth.KindValidation:
		switch e.Code {
		case auth.CodeDuplicate, auth.CodeEmailTaken, auth.CodeUsernameTaken:
			return http.StatusConflict
		case auth.CodeNotFound:
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case auth.KindAuthentication:
		if e.Code == auth.CodeLocked {
			return http.StatusLocked
		}
		return http.StatusUnauthorized
	case auth.KindAuthorization:
		return http.StatusForbidden
	case auth.KindPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeAuthError renders a manager failure. Only the safe message leaves the
// process; the wrapped cause goes to the log.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := auth.AsError(err)
	if !ok {
		obs.LogEntry("error", "unhandled_error", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	code := statusFor(e)
	if code >= 500 {
		obs.LogEntry("error", "request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"kind":       e.Kind.String(),
			"code":       e.Code,
			"error":      e.Error(),
		})
	}
	payload := map[string]any{"error": e.Message, "code": e.Code}
	if left, ok := e.AttemptsLeft(); ok {
		payload["attempts_left"] = left
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	writeErrorBody(w, r, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
