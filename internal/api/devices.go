package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/kasa-core/internal/kasa"
)

// maxAliasLen bounds the {alias} path parameter.
const maxAliasLen = 64

// SetStateRequest is the body of PUT /devices/{alias}/state.
// Fields are applied in order: transition, on, brightness, color_temp.
// Omitted fields are left unchanged.
type SetStateRequest struct {
	On           *bool `json:"on,omitempty"`
	Brightness   *int  `json:"brightness,omitempty"`
	ColorTemp    *int  `json:"color_temp,omitempty"`
	TransitionMS *int  `json:"transition_ms,omitempty"`
}

func (req SetStateRequest) empty() bool {
	return req.On == nil && req.Brightness == nil && req.ColorTemp == nil && req.TransitionMS == nil
}

// handleListDevices returns the snapshot of every tracked device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	alias, ok := aliasParam(w, r)
	if !ok {
		return
	}

	st, found := s.snapshot(alias)
	if !found {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSetDeviceState applies a state change and returns the new snapshot.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	alias, ok := aliasParam(w, r)
	if !ok {
		return
	}

	var req SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.empty() {
		writeBadRequest(w, "at least one of on, brightness, color_temp or transition_ms is required")
		return
	}
	if req.TransitionMS != nil && *req.TransitionMS < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "transition_ms must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceTimeout)
	defer cancel()

	st, err := s.applyState(ctx, alias, req)
	if err != nil {
		s.logger.Warn("device state change failed", "alias", alias, "error", err)
		writeDeviceError(w, err)
		return
	}

	s.logger.Info("device state changed", "alias", alias, "on", st.On)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) applyState(ctx context.Context, alias string, req SetStateRequest) (kasa.State, error) {
	var (
		st  kasa.State
		err error
	)

	if req.TransitionMS != nil {
		period := time.Duration(*req.TransitionMS) * time.Millisecond
		if err := s.devices.SetTransition(ctx, alias, period); err != nil {
			return kasa.State{}, err
		}
	}
	if req.On != nil {
		if st, err = s.devices.SetOnOff(ctx, alias, *req.On); err != nil {
			return st, err
		}
	}
	if req.Brightness != nil {
		if st, err = s.devices.SetBrightness(ctx, alias, *req.Brightness); err != nil {
			return st, err
		}
	}
	if req.ColorTemp != nil {
		if st, err = s.devices.SetColorTemp(ctx, alias, *req.ColorTemp); err != nil {
			return st, err
		}
	}

	if st.Alias == "" {
		// Transition only: report the current snapshot.
		found := false
		if st, found = s.snapshot(alias); !found {
			return st, fmt.Errorf("%w: %q", kasa.ErrDeviceNotFound, alias)
		}
	}
	return st, nil
}

// handleRefreshDevice queries one device and returns its snapshot.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	alias, ok := aliasParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceTimeout)
	defer cancel()

	st, err := s.devices.Refresh(ctx, alias)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRefreshAll queries every device.
func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), scanTimeout)
	defer cancel()

	n := s.devices.RefreshAll(ctx)
	devices := s.devices.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"responded": n,
		"count":     len(devices),
		"devices":   devices,
	})
}

// handleScan runs discovery and returns the scan report.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), scanTimeout)
	defer cancel()

	n, err := s.devices.Scan(ctx)
	report := s.devices.LastScan()
	if err != nil {
		s.logger.Warn("scan failed", "error", err, "code", kasa.ScanCode(err))
		writeError(w, http.StatusBadGateway, ErrCodeScanFailed, err.Error())
		return
	}

	s.logger.Info("scan complete", "devices", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   n,
		"report":  report,
		"devices": s.devices.Snapshots(),
	})
}

// handleLastScan returns the most recent scan report.
func (s *Server) handleLastScan(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.LastScan())
}

func (s *Server) snapshot(alias string) (kasa.State, bool) {
	for _, st := range s.devices.Snapshots() {
		if st.Alias == alias {
			return st, true
		}
	}
	return kasa.State{}, false
}

// aliasParam reads and validates {alias}, writing a 400 on failure.
func aliasParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	alias := chi.URLParam(r, "alias")
	if alias == "" || len(alias) > maxAliasLen {
		writeBadRequest(w, "invalid device alias")
		return "", false
	}
	return alias, true
}
