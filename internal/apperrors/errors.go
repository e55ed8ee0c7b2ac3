package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a failure for routing decisions (retry, DLQ, nack).
type Code string

const (
	CodeParse               Code = "PARSE_ERROR"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnknownProcessor    Code = "UNKNOWN_PROCESSOR"
	CodeProcessorValidation Code = "PROCESSOR_VALIDATION"
	CodeProcessorExecution  Code = "PROCESSOR_EXECUTION"
	CodeDBConnection        Code = "DB_CONNECTION"
	CodeDBQuery             Code = "DB_QUERY"
	CodeDBTransaction       Code = "DB_TRANSACTION"
	CodeDBPermission        Code = "DB_PERMISSION"
	CodePubSubConnection    Code = "PUBSUB_CONNECTION"
	CodePubSubPublish       Code = "PUBSUB_PUBLISH"
	CodeTimeout             Code = "TIMEOUT"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// AppError carries a taxonomy code next to the underlying cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func NewParse(message string, err error) *AppError {
	return &AppError{Code: CodeParse, Message: message, Err: err}
}

func NewValidation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

func NewUnknownProcessor(message string) *AppError {
	return &AppError{Code: CodeUnknownProcessor, Message: message}
}

func NewProcessorValidation(message string) *AppError {
	return &AppError{Code: CodeProcessorValidation, Message: message}
}

func NewProcessorExecution(message string, err error) *AppError {
	return &AppError{Code: CodeProcessorExecution, Message: message, Err: err}
}

func NewDBConnection(message string, err error) *AppError {
	return &AppError{Code: CodeDBConnection, Message: message, Err: err}
}

func NewDBQuery(message string, err error) *AppError {
	return &AppError{Code: CodeDBQuery, Message: message, Err: err}
}

func NewDBTransaction(message string, err error) *AppError {
	return &AppError{Code: CodeDBTransaction, Message: message, Err: err}
}

func NewDBPermission(message string, err error) *AppError {
	return &AppError{Code: CodeDBPermission, Message: message, Err: err}
}

func NewPubSubConnection(message string, err error) *AppError {
	return &AppError{Code: CodePubSubConnection, Message: message, Err: err}
}

func NewPubSubPublish(message string, err error) *AppError {
	return &AppError{Code: CodePubSubPublish, Message: message, Err: err}
}

func NewTimeout(message string, err error) *AppError {
	return &AppError{Code: CodeTimeout, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain.
// Context deadline expiry counts as a timeout; anything unclassified is internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// IsRetryable reports whether an error may succeed on a later in-task attempt.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeDBConnection, CodeDBQuery, CodeDBTransaction,
		CodePubSubConnection, CodePubSubPublish, CodeTimeout:
		return true
	}
	return false
}

// IsConnection reports whether an error is a connection-class failure.
// Processors only retry persistence on these.
func IsConnection(err error) bool {
	switch CodeOf(err) {
	case CodeDBConnection, CodePubSubConnection, CodeTimeout:
		return true
	}
	return false
}

// IsReplayable reports whether broker redelivery could ever help.
// Parse, validation and permission failures are terminal by definition.
func IsReplayable(err error) bool {
	switch CodeOf(err) {
	case CodeParse, CodeValidation, CodeUnknownProcessor, CodeProcessorValidation, CodeDBPermission:
		return false
	}
	return true
}
