package obd

import "errors"

// Error kinds shared by every layer of the stack. Wrap them with
// fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrTransport is an open/connect/write failure at the hardware layer.
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers no negotiated protocol, unsupported protocol ids
	// and malformed frames.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout means no response arrived within the configured window.
	ErrTimeout = errors.New("timeout")
	// ErrChecksum means a frame integrity check failed.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrBufferOverflow and ErrBufferEmpty report ring-buffer misuse.
	ErrBufferOverflow = errors.New("buffer overflow")
	ErrBufferEmpty    = errors.New("buffer empty")
	// ErrConfig is an invalid or missing configuration value.
	ErrConfig = errors.New("invalid configuration")
	// ErrUnsupported means the capability is absent on the active device.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrSafetyLimit is a monitoring threshold breach or a blocked command.
	ErrSafetyLimit = errors.New("safety limit exceeded")
)
