// Package provider defines the contract between the scan core and a cloud
// provider's management API, including the failure taxonomy callers match on.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind tags a provider failure with the control-flow outcome it maps to.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate from a provider.
	KindUnknown Kind = iota
	// KindTimeout means the provider did not answer in time. It is reported
	// separately because its user-facing message differs from other failures.
	KindTimeout
	// KindProviderError is any other provider-side failure.
	KindProviderError
	// KindMissingProvider means the target has no active management connection.
	KindMissingProvider
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindProviderError:
		return "provider_error"
	case KindMissingProvider:
		return "missing_provider"
	default:
		return "unknown"
	}
}

// Error is the tagged provider failure.
type Error struct {
	Kind Kind
	// Op names the provider operation, e.g. "create_snapshot".
	Op string
	// Class is the provider's error code (e.g. "OperationNotAllowed"); it is
	// embedded in abort messages.
	Class string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewTimeout wraps err as a KindTimeout failure of op.
func NewTimeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Class: "Timeout", Err: err}
}

// NewProviderError wraps err as a KindProviderError failure of op.
func NewProviderError(op, class string, err error) *Error {
	return &Error{Kind: KindProviderError, Op: op, Class: class, Err: err}
}

// NewMissingProvider reports that vm has no active management connection.
func NewMissingProvider(op string, vm VM) *Error {
	return &Error{
		Kind:  KindMissingProvider,
		Op:    op,
		Class: "MissingProvider",
		Err:   fmt.Errorf("no active provider connection for vm %s", vm.ID),
	}
}

// KindOf classifies err. Context deadline expiry counts as a timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsMissingProvider reports whether err means no active connection exists.
func IsMissingProvider(err error) bool { return KindOf(err) == KindMissingProvider }

// ClassOf returns the error class used in user-facing messages: the provider
// error code when known, otherwise the Go type of err.
func ClassOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Class != "" {
		return pe.Class
	}
	return fmt.Sprintf("%T", err)
}
