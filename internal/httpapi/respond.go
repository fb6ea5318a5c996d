package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"afflow.org/internal/gateway"
	"afflow.org/internal/ledger"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
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

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 100, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < 1 || val > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

// handleDomainError maps ledger and gateway errors onto HTTP statuses.
// State conflicts are 409 so callers know to re-fetch before retrying.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrAlreadyProcessing),
		errors.Is(err, ledger.ErrAlreadyCompleted),
		errors.Is(err, ledger.ErrDuplicateEmail),
		errors.Is(err, ledger.ErrDuplicatePromo):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrEmptySelection),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidRate):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrNotConfigured):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &gwErr):
		writeError(w, r, http.StatusBadGateway, gwErr.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
