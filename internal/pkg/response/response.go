// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already out; nothing left to do but log.
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes the `{code, message, ...extras}` envelope for a failure.
func Error(w http.ResponseWriter, err error) {
	se := oprerrors.AsStatusError(err)

	body := map[string]any{
		"code":    se.Code,
		"message": se.Message,
	}
	for k, v := range se.Extras {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.HTTPStatus)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		slog.Error("failed to encode error response", slog.String("error", encErr.Error()))
	}
}
