package chatapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

var (
	errEmptyBody    = errors.New("empty body")
	errTrailingData = errors.New("extra data after JSON object")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

// writeDecodeError answers a decodeJSON failure: 413 for oversized bodies, 400 otherwise.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
	case errors.Is(err, errEmptyBody):
		writeError(w, http.StatusBadRequest, "invalid_json", "empty body")
	default:
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
	}
}
