package kasa

import "strconv"

// lightingService is the bulb lighting service namespace.
const lightingService = "smartlife.iot.smartbulb.lightingservice"

// Prebuilt command payloads.
var (
	cmdGetSysinfo = []byte(`{"system":{"get_sysinfo":null}}`)
	cmdRelayOn    = []byte(`{"system":{"set_relay_state":{"state":1}}}`)
	cmdRelayOff   = []byte(`{"system":{"set_relay_state":{"state":0}}}`)
	cmdLightOn    = []byte(`{"` + lightingService + `":{"transition_light_state":{"on_off":1}}}`)
	cmdLightOff   = []byte(`{"` + lightingService + `":{"transition_light_state":{"on_off":0}}}`)
	cmdBulbQuery  = []byte(`{"system":{"get_sysinfo":null},"` + lightingService + `":{"get_light_state":null}}`)
)

// transitionCommand builds a single-field transition_light_state command.
func transitionCommand(field string, value int) []byte {
	b := make([]byte, 0, 96)
	b = append(b, `{"`+lightingService+`":{"transition_light_state":{"`...)
	b = append(b, field...)
	b = append(b, `":`...)
	b = strconv.AppendInt(b, int64(value), 10)
	b = append(b, "}}}"...)
	return b
}

func relayCommand(on bool) []byte {
	if on {
		return cmdRelayOn
	}
	return cmdRelayOff
}

func lightCommand(on bool) []byte {
	if on {
		return cmdLightOn
	}
	return cmdLightOff
}
