package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"studysync/internal/replica"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusCode maps a sync core error to an HTTP status.
func statusCode(err error) int {
	var remote *replica.RemoteError
	switch {
	case replica.IsAuthError(err):
		return http.StatusUnauthorized
	case errors.Is(err, replica.ErrConflictPending):
		return http.StatusConflict
	case errors.Is(err, replica.ErrNoRemoteBackup):
		return http.StatusNotFound
	case errors.Is(err, replica.ErrMalformedSnapshot):
		return http.StatusUnprocessableEntity
	case errors.As(err, &remote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), errorBody(err.Error()))
}
