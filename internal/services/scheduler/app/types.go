package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

type errorBody struct {
	Error string `json:"error"`
}

// dispatchRequest is the optional body of POST /dispatch.
type dispatchRequest struct {
	Day string `json:"day"` // YYYY-MM-DD, today when empty
}

type tankRequest struct {
	Content model.TankContent `json:"content"`
	ItemID  int64             `json:"item_id"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

// statusFor maps the engine's error kinds onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, model.ErrConnectivity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
