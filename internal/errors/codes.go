package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Device errors
	ErrDeviceNotFound       ErrorCode = "device_not_found"
	ErrDeviceGone           ErrorCode = "device_gone"
	ErrDeviceUnmanaged      ErrorCode = "device_unmanaged"
	ErrPermissionDenied     ErrorCode = "permission_denied"
	ErrUnsupportedParameter ErrorCode = "unsupported_parameter"
	ErrOutOfRange           ErrorCode = "out_of_range"
	ErrHardwareRejected     ErrorCode = "hardware_rejected"
	ErrTimeout              ErrorCode = "timeout"

	// Change errors
	ErrChangeInProgress ErrorCode = "change_in_progress"
	ErrChangeExpired    ErrorCode = "change_expired"

	// Protocol errors
	ErrProtocol ErrorCode = "protocol_error"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:             "Internal error occurred",
	ErrInvalidArgument:      "Invalid argument provided",
	ErrNotImplemented:       "Operation not implemented",
	ErrUnavailable:          "Service unavailable",
	ErrAlreadyRunning:       "Another instance is already running",
	ErrInvalidConfig:        "Invalid configuration",
	ErrBindFlags:            "Failed to bind flags",
	ErrReadConfig:           "Failed to read configuration",
	ErrInvalidInterval:      "Invalid interval value",
	ErrInvalidLogLevel:      "Invalid log level",
	ErrInitFailed:           "Initialization failed",
	ErrShutdownFailed:       "Shutdown failed",
	ErrDeviceNotFound:       "Device not found",
	ErrDeviceGone:           "Device is gone",
	ErrDeviceUnmanaged:      "Device is unmanaged until restart",
	ErrPermissionDenied:     "Permission denied",
	ErrUnsupportedParameter: "Parameter not supported by device",
	ErrOutOfRange:           "Value out of range",
	ErrHardwareRejected:     "Hardware rejected the value",
	ErrTimeout:              "Operation timed out",
	ErrChangeInProgress:     "A change is already pending",
	ErrChangeExpired:        "Change expired or unknown",
	ErrProtocol:             "Malformed request",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
