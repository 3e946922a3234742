package errors

// ErrorCode identifies a class of failure. Codes are stable identifiers:
// the HTTP layer maps them onto response statuses and clients match on
// them rather than on message text.
type ErrorCode string

// Error is a domain error: a code plus optional message, cause and
// structured data.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds domain errors from codes.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
