package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/kasa-core/internal/kasa"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeDeviceUnreachable  = "device_unreachable"
	ErrCodeDeviceTimeout      = "device_timeout"
	ErrCodeDeviceResponse     = "device_bad_response"
	ErrCodeScanFailed         = "scan_failed"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// deviceErrors maps kasa failures onto responses, first match wins.
// Anything unlisted is reported as an unreachable device.
var deviceErrors = []struct {
	target error
	status int
	code   string
}{
	{kasa.ErrDeviceNotFound, http.StatusNotFound, ErrCodeNotFound},
	{kasa.ErrUnsupportedModel, http.StatusBadRequest, ErrCodeValidation},
	{kasa.ErrNoResponse, http.StatusGatewayTimeout, ErrCodeDeviceTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeDeviceTimeout},
	{kasa.ErrImplausibleResponse, http.StatusBadGateway, ErrCodeDeviceResponse},
	{kasa.ErrResponseTooLarge, http.StatusBadGateway, ErrCodeDeviceResponse},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may be gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDeviceError reports a failed device operation using deviceErrors.
func writeDeviceError(w http.ResponseWriter, err error) {
	for _, m := range deviceErrors {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	writeError(w, http.StatusBadGateway, ErrCodeDeviceUnreachable, err.Error())
}
