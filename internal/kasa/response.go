package kasa

import (
	"encoding/json"
	"fmt"
)

// sysinfoReply is the subset of a get_sysinfo / get_light_state reply the
// core reads. Pointer fields distinguish "absent" from zero.
type sysinfoReply struct {
	System struct {
		GetSysinfo *sysinfo `json:"get_sysinfo"`
	} `json:"system"`
	Lighting *struct {
		GetLightState *lightState `json:"get_light_state"`
	} `json:"smartlife.iot.smartbulb.lightingservice"`
}

type sysinfo struct {
	Alias               string      `json:"alias"`
	Model               string      `json:"model"`
	ErrCode             int         `json:"err_code"`
	RelayState          *int        `json:"relay_state"`
	IsDimmable          *int        `json:"is_dimmable"`
	IsVariableColorTemp *int        `json:"is_variable_color_temp"`
	LightState          *lightState `json:"light_state"`
}

type lightState struct {
	OnOff               *int        `json:"on_off"`
	Brightness          *int        `json:"brightness"`
	ColorTemp           *int        `json:"color_temp"`
	IsDimmable          *int        `json:"is_dimmable"`
	IsVariableColorTemp *int        `json:"is_variable_color_temp"`
	DftOnState          *lightState `json:"dft_on_state"`
}

// parseReply decodes a plaintext reply. A reply without a get_sysinfo object
// is malformed.
func parseReply(data []byte) (*sysinfoReply, error) {
	var r sysinfoReply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImplausibleResponse, err)
	}
	if r.System.GetSysinfo == nil {
		return nil, fmt.Errorf("%w: missing get_sysinfo", ErrImplausibleResponse)
	}
	return &r, nil
}

func (r *sysinfoReply) info() *sysinfo {
	return r.System.GetSysinfo
}

// light returns the light state from the dedicated lighting service object,
// falling back to the light_state field embedded in sysinfo.
func (r *sysinfoReply) light() *lightState {
	if r.Lighting != nil && r.Lighting.GetLightState != nil {
		return r.Lighting.GetLightState
	}
	return r.System.GetSysinfo.LightState
}

// brightness returns the reported brightness. A bulb that is off reports
// its last level under dft_on_state.
func (l *lightState) brightness() (int, bool) {
	if l.Brightness != nil {
		return *l.Brightness, true
	}
	if l.DftOnState != nil && l.DftOnState.Brightness != nil {
		return *l.DftOnState.Brightness, true
	}
	return 0, false
}

func (l *lightState) colorTemp() (int, bool) {
	if l.ColorTemp != nil {
		return *l.ColorTemp, true
	}
	if l.DftOnState != nil && l.DftOnState.ColorTemp != nil {
		return *l.DftOnState.ColorTemp, true
	}
	return 0, false
}

func flag(v *int) (bool, bool) {
	if v == nil {
		return false, false
	}
	return *v != 0, true
}
