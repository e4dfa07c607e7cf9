package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies errors raised by the decision pipeline.
type ErrorKind string

const (
	KindInvalidInput          ErrorKind = "INVALID_INPUT"
	KindDependencyUnavailable ErrorKind = "DEPENDENCY_UNAVAILABLE"
	KindConfiguration         ErrorKind = "CONFIGURATION"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrConfiguration         = &Error{Kind: KindConfiguration}
)

// Error is a structured pipeline error: a kind, the failing operation,
// auditable context, and the underlying cause.
type Error struct {
	Kind    ErrorKind
	Op      string
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Context[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrInvalidInput) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// InvalidInput builds an INVALID_INPUT error.
func InvalidInput(op, msg string, kv ...string) error {
	return &Error{Kind: KindInvalidInput, Op: op, Context: pairs(kv), Err: errors.New(msg)}
}

// DependencyUnavailable wraps a collaborator failure.
func DependencyUnavailable(op string, err error, kv ...string) error {
	return &Error{Kind: KindDependencyUnavailable, Op: op, Context: pairs(kv), Err: err}
}

// ConfigurationError describes a malformed rule or setting.
func ConfigurationError(op string, err error, kv ...string) error {
	return &Error{Kind: KindConfiguration, Op: op, Context: pairs(kv), Err: err}
}

// KindOf returns the kind of a pipeline error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func pairs(kv []string) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}
