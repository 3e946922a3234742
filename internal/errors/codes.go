package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Stream / sample errors
	ErrMalformedSample    ErrorCode = "malformed_sample"
	ErrInvalidDisturbance ErrorCode = "invalid_disturbance"
	ErrNoData             ErrorCode = "no_data_yet"

	// Plan workflow errors
	ErrNoIssueDetected       ErrorCode = "no_issue_detected"
	ErrProposalInFlight      ErrorCode = "proposal_in_flight"
	ErrPlanMismatch          ErrorCode = "plan_mismatch"
	ErrPreconditionNotMet    ErrorCode = "precondition_not_met"
	ErrConcurrentApplyReject ErrorCode = "concurrent_apply_rejected"
	ErrUnknownKnob           ErrorCode = "unknown_knob"

	// Oracle errors
	ErrOracleUnavailable     ErrorCode = "oracle_unavailable"
	ErrOracleMalformedOutput ErrorCode = "oracle_malformed_output"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:              "Internal error occurred",
	ErrInvalidArgument:       "Invalid argument provided",
	ErrUnavailable:           "Service unavailable",
	ErrInvalidConfig:         "Invalid configuration",
	ErrMissingConfig:         "Missing configuration",
	ErrBindFlags:             "Failed to bind flags",
	ErrReadConfig:            "Failed to read configuration",
	ErrInvalidInterval:       "Invalid interval value",
	ErrInvalidLogLevel:       "Invalid log level",
	ErrInitFailed:            "Initialization failed",
	ErrShutdownFailed:        "Shutdown failed",
	ErrMalformedSample:       "Sample is malformed",
	ErrInvalidDisturbance:    "Unknown disturbance type",
	ErrNoData:                "No sample data available yet",
	ErrNoIssueDetected:       "No issue detected",
	ErrProposalInFlight:      "A plan proposal is already in flight",
	ErrPlanMismatch:          "Plan does not match the active plan",
	ErrPreconditionNotMet:    "Apply precondition not met",
	ErrConcurrentApplyReject: "Another apply is already in progress",
	ErrUnknownKnob:           "Unknown knob identifier",
	ErrOracleUnavailable:     "Plan oracle unavailable",
	ErrOracleMalformedOutput: "Plan oracle returned malformed output",
	ErrOperationFailed:       "Operation failed",
	ErrTimeout:               "Operation timed out",
	ErrInvalidOperation:      "Invalid operation",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
