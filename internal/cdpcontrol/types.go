package cdpcontrol

import "fmt"

const (
	CodeValidation        = "VALIDATION"
	CodeTabNotFound       = "TAB_NOT_FOUND"
	CodeConfigUnavailable = "CONFIG_UNAVAILABLE"
	CodeNoBackground      = "NO_BACKGROUND"
	CodeCDPUnavailable    = "CDP_UNAVAILABLE"
	CodeEvalFailure       = "EVAL_FAILURE"
	CodeEvalTimeout       = "EVAL_TIMEOUT"
	CodeTargetNotFound    = "TARGET_NOT_FOUND"
)

// ModeRaw is recorded on tabs attached through this client.
const ModeRaw = "raw"

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}
