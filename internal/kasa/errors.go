package kasa

import "errors"

// Domain errors for the kasa package.
var (
	// ErrBufferOverflow is returned when an encoded payload would not fit
	// the destination buffer or the 16-bit framing length.
	ErrBufferOverflow = errors.New("kasa: encode buffer overflow")

	// ErrSocketCreate is returned when the discovery socket cannot be opened.
	ErrSocketCreate = errors.New("kasa: socket create failed")

	// ErrSocketOption is returned when broadcast cannot be enabled on the
	// discovery socket.
	ErrSocketOption = errors.New("kasa: setsockopt failed")

	// ErrBroadcastSend is returned when the discovery request cannot be sent.
	ErrBroadcastSend = errors.New("kasa: broadcast send failed")

	// ErrConnectFailed is returned when a TCP connection to a device cannot
	// be established within the connect deadline.
	ErrConnectFailed = errors.New("kasa: connect failed")

	// ErrSendFailed is returned when writing a framed payload fails.
	ErrSendFailed = errors.New("kasa: send failed")

	// ErrNoResponse is returned when a query receives no data within its
	// timeout.
	ErrNoResponse = errors.New("kasa: no response")

	// ErrImplausibleResponse is returned when a response was received but is
	// too short or cannot be parsed. Cached state is left untouched.
	ErrImplausibleResponse = errors.New("kasa: implausible response")

	// ErrResponseTooLarge is returned when a response does not fit the
	// device's scratch buffer.
	ErrResponseTooLarge = errors.New("kasa: response exceeds buffer")

	// ErrRegistryFull is returned when a device is added to a registry that
	// is already at capacity.
	ErrRegistryFull = errors.New("kasa: registry at capacity")

	// ErrDuplicateAlias is returned when a device with the same alias is
	// already registered.
	ErrDuplicateAlias = errors.New("kasa: duplicate alias")

	// ErrDeviceNotFound is returned when no device matches a lookup.
	ErrDeviceNotFound = errors.New("kasa: device not found")

	// ErrUnsupportedModel is returned when a model string does not match a
	// known device family.
	ErrUnsupportedModel = errors.New("kasa: unsupported model")

	// ErrInvalidAddress is returned when a device address cannot be parsed.
	ErrInvalidAddress = errors.New("kasa: invalid address")
)

// Legacy scan result codes, kept for callers that still expect a negative
// integer instead of an error.
const (
	ScanCodeSocketCreate   = -1
	ScanCodeSocketOption   = -2
	ScanCodeBufferOverflow = -3
	ScanCodeBroadcastSend  = -4
)

// ScanCode maps a Scan error to its legacy negative code.
// It returns 0 for nil and -1 for errors outside the scan taxonomy.
func ScanCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrSocketCreate):
		return ScanCodeSocketCreate
	case errors.Is(err, ErrSocketOption):
		return ScanCodeSocketOption
	case errors.Is(err, ErrBufferOverflow):
		return ScanCodeBufferOverflow
	case errors.Is(err, ErrBroadcastSend):
		return ScanCodeBroadcastSend
	default:
		return ScanCodeSocketCreate
	}
}
