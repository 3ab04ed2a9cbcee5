// Package errors defines the machine-readable error kinds observable at the
// broker's edge (spec §6/§7): every error the core surfaces to application
// code is a *RelayError distinguished by Code, optionally wrapping a cause.
package errors

import "fmt"

// Code identifies the category of a RelayError.
type Code string

const (
	CodeArgumentNull          Code = "ARGUMENT_NULL"
	CodeObjectDisposed        Code = "OBJECT_DISPOSED"
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeSchemaValidation      Code = "SCHEMA_VALIDATION_FAILED"
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"
	CodeBulkheadRejected      Code = "BULKHEAD_REJECTED"
	CodeRateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	CodeOperationCancelled    Code = "OPERATION_CANCELLED"
	CodeTransportError        Code = "TRANSPORT_ERROR"
	CodeInvalidCompressedData Code = "INVALID_COMPRESSED_DATA"
	CodeSagaStepFailed        Code = "SAGA_STEP_FAILED"
	CodeSagaCompensationFail  Code = "SAGA_COMPENSATION_FAILED"
)

// RelayError is the error type every public operation returns for
// programmer, transient, and business error bands (spec §7).
type RelayError struct {
	Code    Code
	Message string
	Fields  []string // per-field validation reasons, when applicable
	Err     error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &RelayError{Code: ...}) style comparisons keyed
// only on Code, mirroring the teacher's AppError.Code switch comparisons.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *RelayError {
	return &RelayError{Code: code, Message: message, Err: err}
}

func ArgumentNull(what string) *RelayError {
	return New(CodeArgumentNull, what+" must not be nil")
}

func ObjectDisposed(what string) *RelayError {
	return New(CodeObjectDisposed, what+" has been disposed")
}

func ValidationFailed(fields []string) *RelayError {
	return &RelayError{Code: CodeValidationFailed, Message: "validation failed", Fields: fields}
}

func SchemaValidationFailed(fields []string) *RelayError {
	return &RelayError{Code: CodeSchemaValidation, Message: "schema validation failed", Fields: fields}
}

func TransportError(err error) *RelayError {
	return Wrap(CodeTransportError, "transport error", err)
}

func InvalidCompressedData(err error) *RelayError {
	return Wrap(CodeInvalidCompressedData, "unrecognized compressed payload", err)
}

// Of reports whether err carries the given Code, unwrapping standard error
// chains via errors.As semantics done manually to avoid importing the
// stdlib package name "errors" twice under an alias in call sites.
func Of(err error, code Code) bool {
	for err != nil {
		if re, ok := err.(*RelayError); ok {
			return re.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
