// Package errors provides the structured error type shared by poolcore services.
package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorType is the subsystem an error originated in.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database" // share store, Redis, InfluxDB
	ErrorTypeChain      ErrorType = "chain"    // blockchain daemon RPC
	ErrorTypeKafka      ErrorType = "kafka"
	ErrorTypeRelay      ErrorType = "relay"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
)

// ServiceError carries the failing operation, a retry classification and
// key/value context for logs.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Retryable bool
}

// Error renders "type op: message: cause".
func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteByte(' ')
	b.WriteString(e.Operation)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds a key/value pair reported alongside the error.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[key] = value
	return e
}

// AsRetryable overrides the retry classification.
func (e *ServiceError) AsRetryable(retryable bool) *ServiceError {
	e.Retryable = retryable
	return e
}

// LogAttrs flattens the error into slog key/value pairs.
func (e *ServiceError) LogAttrs() []any {
	attrs := make([]any, 0, 6+2*len(e.Context))
	attrs = append(attrs, "error_type", string(e.Type), "operation", e.Operation, "retryable", e.Retryable)
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// New creates an error without a cause. Network, timeout, Kafka and relay
// errors start out retryable.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Retryable: retryableType(errorType),
	}
}

// Wrap attaches an operation to err. A ServiceError anywhere in err's chain
// keeps its retry classification; other causes are classified by inspection.
// Wrap(nil, ...) is nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	se := &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
	}
	var inner *ServiceError
	if errors.As(err, &inner) {
		se.Retryable = inner.Retryable
	} else {
		se.Retryable = transient(err)
	}
	return se
}

func retryableType(t ErrorType) bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeRelay:
		return true
	}
	return false
}

// Driver errors that only reach us as text.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"no such host",
	"timeout",
	"temporary failure",
	"too many connections",
	"database is locked",
	"bad connection",
}

// transient reports whether err is worth another attempt.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, target := range []error{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, io.ErrUnexpectedEOF} {
		if errors.Is(err, target) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsType reports whether the outermost ServiceError in err's chain has type t.
func IsType(err error, t ErrorType) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Type == t
}

// IsRetryable classifies any error, structured or not.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return transient(err)
}

// GetContext returns the context of the outermost ServiceError, or nil.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Is and As forward to the standard library so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
