package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/kasa-core/internal/kasa"
)

// CommandMessage asks the bridge to operate a device.
// Topic: {prefix}/command/{alias}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Generated when empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// Alias names the device. Defaults to the last topic level.
	Alias string `json:"alias,omitempty"`

	// Command is one of on, off, set_brightness, set_color_temp,
	// set_transition or refresh.
	Command string `json:"command"`

	// Parameters carries command values:
	//   {"level": 50} for set_brightness
	//   {"kelvin": 2700} for set_color_temp
	//   {"period_ms": 500} for set_transition
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated (api, automation, ...).
	Source string `json:"source,omitempty"`
}

// Command names.
const (
	CommandOn            = "on"
	CommandOff           = "off"
	CommandSetBrightness = "set_brightness"
	CommandSetColorTemp  = "set_color_temp"
	CommandSetTransition = "set_transition"
	CommandRefresh       = "refresh"
)

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the command was delivered to the device.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout means the device did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: {prefix}/ack/{alias}
type AckMessage struct {
	CommandID string      `json:"command_id"`
	Timestamp time.Time   `json:"timestamp"`
	Alias     string      `json:"alias"`
	Status    AckStatus   `json:"status"`
	State     *kasa.State `json:"state,omitempty"`
	Error     *AckError   `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for failed commands and requests.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeScanFailed        = "SCAN_FAILED"
)

// StateMessage carries a device snapshot.
// Topic: {prefix}/state/{alias}
// QoS: configured, Retained: Yes
type StateMessage struct {
	Alias     string     `json:"alias"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	State     kasa.State `json:"state"`
}

// Request actions.
const (
	ActionReadState = "read_state"
	ActionReadAll   = "read_all"
	ActionScan      = "scan"
)

// RequestMessage asks the bridge for data.
// Topic: {prefix}/request/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`

	// Alias is required for read_state.
	Alias string `json:"alias,omitempty"`

	// Refresh makes read_state and read_all query devices before answering.
	Refresh bool `json:"refresh,omitempty"`
}

// ResponseMessage answers a request.
// Topic: {prefix}/response/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoveryMessage reports the outcome of a scan.
// Topic: {prefix}/discovery
type DiscoveryMessage struct {
	ScanID    string          `json:"scan_id"`
	Timestamp time.Time       `json:"timestamp"`
	Report    kasa.ScanReport `json:"report"`
	Devices   []kasa.State    `json:"devices"`
}

// HealthStatus is the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: {prefix}/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	DevicesManaged int               `json:"devices_managed"`
	Capacity       int               `json:"capacity"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	CommandsSent    uint64 `json:"commands_sent"`
	CommandsFailed  uint64 `json:"commands_failed"`
	QueriesOK       uint64 `json:"queries_ok"`
	QueriesFailed   uint64 `json:"queries_failed"`
	ConnectFailures uint64 `json:"connect_failures"`
	Scans           uint64 `json:"scans"`
	OpenBreakers    int    `json:"open_breakers"`
}

// NewAckMessage creates an acknowledgement for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus, st *kasa.State) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Alias:     cmd.Alias,
		Status:    status,
		State:     st,
	}
}

// NewAckError creates a failed acknowledgement with an error code.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, status, nil)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage wraps a snapshot for publication.
func NewStateMessage(st kasa.State, source string) StateMessage {
	return StateMessage{
		Alias:     st.Alias,
		Timestamp: time.Now().UTC(),
		Source:    source,
		State:     st,
	}
}

// errorResponse builds a failed response.
func errorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// ErrorCode maps a device or bridge error onto a wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, kasa.ErrDeviceNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrInvalidParameters):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, kasa.ErrUnsupportedModel):
		return ErrCodeInvalidCommand
	case errors.Is(err, kasa.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeDeviceUnreachable
	}
}
