// Package errors augments the standard error with a severity and a cause chain, so one
// value is enough to both classify a failure and log it.
package errors

import (
	"context"
	goerrors "errors"
	"runtime"
	"strings"

	c "github.com/tunbridge/tunbridge-core/common/ctx"
	"github.com/tunbridge/tunbridge-core/common/log"
	"github.com/tunbridge/tunbridge-core/common/serial"
)

const modulePrefix = "github.com/tunbridge/tunbridge-core/"

// Error carries a message, an optional cause, the severity it should be logged at, and
// the flow it belongs to.
type Error struct {
	message  []interface{}
	caller   string
	inner    error
	severity log.Severity
	flow     c.ID
}

// New builds an Error from the given message parts at info severity.
func New(msg ...interface{}) *Error {
	return &Error{
		message:  msg,
		caller:   callerName(2),
		severity: log.SeverityInfo,
	}
}

// Base attaches the underlying cause.
func (err *Error) Base(inner error) *Error {
	err.inner = inner
	return err
}

// AtDebug sets the severity to debug.
func (err *Error) AtDebug() *Error { err.severity = log.SeverityDebug; return err }

// AtInfo sets the severity to info.
func (err *Error) AtInfo() *Error { err.severity = log.SeverityInfo; return err }

// AtWarning sets the severity to warning.
func (err *Error) AtWarning() *Error { err.severity = log.SeverityWarning; return err }

// AtError sets the severity to error.
func (err *Error) AtError() *Error { err.severity = log.SeverityError; return err }

// Severity returns the effective severity: the most severe of this error and its cause
// chain.
func (err *Error) Severity() log.Severity {
	severity := err.severity
	var inner *Error
	if goerrors.As(err.inner, &inner) {
		if s := inner.Severity(); s < severity {
			severity = s
		}
	}
	return severity
}

// Error implements error.
func (err *Error) Error() string {
	builder := strings.Builder{}
	if err.flow != 0 {
		builder.WriteByte('[')
		builder.WriteString(serial.ToString(uint32(err.flow)))
		builder.WriteString("] ")
	}
	if err.caller != "" {
		builder.WriteString(err.caller)
		builder.WriteString(": ")
	}
	builder.WriteString(serial.Concat(err.message...))
	if err.inner != nil {
		builder.WriteString(" > ")
		builder.WriteString(err.inner.Error())
	}
	return builder.String()
}

// String returns the string representation of this error.
func (err *Error) String() string {
	return err.Error()
}

// Unwrap exposes the cause to the standard errors package.
func (err *Error) Unwrap() error {
	return err.inner
}

// Is reports whether any error in err's chain matches target.
func Is(err error, target error) bool {
	return goerrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

// Cause returns the innermost error of the chain.
func Cause(err error) error {
	for err != nil {
		inner := goerrors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	return err
}

// GetSeverity returns the severity err should be logged at.
func GetSeverity(err error) log.Severity {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Severity()
	}
	return log.SeverityInfo
}

// LogDebug records msg at debug severity. A trailing error becomes the cause.
func LogDebug(ctx context.Context, msg ...interface{}) {
	doLog(ctx, log.SeverityDebug, msg)
}

// LogInfo records msg at info severity. A trailing error becomes the cause.
func LogInfo(ctx context.Context, msg ...interface{}) {
	doLog(ctx, log.SeverityInfo, msg)
}

// LogWarning records msg at warning severity. A trailing error becomes the cause.
func LogWarning(ctx context.Context, msg ...interface{}) {
	doLog(ctx, log.SeverityWarning, msg)
}

// LogError records msg at error severity. A trailing error becomes the cause.
func LogError(ctx context.Context, msg ...interface{}) {
	doLog(ctx, log.SeverityError, msg)
}

func doLog(ctx context.Context, severity log.Severity, msg []interface{}) {
	if severity > log.Level() {
		return
	}

	err := &Error{
		message:  msg,
		caller:   callerName(3),
		severity: severity,
	}
	if n := len(msg); n > 1 {
		if cause, ok := msg[n-1].(error); ok {
			err.message = msg[:n-1]
			err.inner = cause
		}
	}
	if ctx != nil {
		err.flow = c.IDFromContext(ctx)
	}

	log.Record(&log.GeneralMessage{
		Severity: GetSeverity(err),
		Content:  err,
	})
}

// callerName resolves the package a call came from, module prefix stripped.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	name := strings.TrimPrefix(runtime.FuncForPC(pc).Name(), modulePrefix)
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}
