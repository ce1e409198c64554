package backend

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/model"
)

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

// mapDomainError turns a pipeline error into an HTTP status and error code.
func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error()
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT", err.Error()
	case errors.Is(err, device.ErrUserNotFound):
		return http.StatusNotFound, "DEVICE_USER_NOT_FOUND", err.Error()
	case errors.Is(err, device.ErrTransport),
		errors.Is(err, device.ErrAuthentication),
		errors.Is(err, device.ErrMalformedResponse),
		errors.Is(err, device.ErrRejected):
		return http.StatusBadGateway, "DEVICE_ERROR", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}
