package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/youthshield-donations/internal/domain/donation"
)

// ErrProviderUnavailable indicates a network failure or timeout talking to a provider
type ErrProviderUnavailable struct {
	Provider donation.PaymentMethod
	Timeout  bool
	Err      error
}

func (e ErrProviderUnavailable) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s provider timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s provider unavailable: %v", e.Provider, e.Err)
}

func (e ErrProviderUnavailable) Unwrap() error {
	return e.Err
}

// Is implements the errors.Is interface for ErrProviderUnavailable
func (e ErrProviderUnavailable) Is(target error) bool {
	t, ok := target.(ErrProviderUnavailable)
	if !ok {
		return false
	}
	return t.Provider == "" || t.Provider == e.Provider
}

// ErrProviderRejected indicates the provider explicitly declined a request
type ErrProviderRejected struct {
	Provider donation.PaymentMethod
	Code     string
	Message  string
}

func (e ErrProviderRejected) Error() string {
	return fmt.Sprintf("%s provider rejected the request (code %s): %s", e.Provider, e.Code, e.Message)
}

// Is implements the errors.Is interface for ErrProviderRejected
func (e ErrProviderRejected) Is(target error) bool {
	t, ok := target.(ErrProviderRejected)
	if !ok {
		return false
	}
	return t.Provider == "" || t.Provider == e.Provider
}

// ErrInvalidSignature indicates a webhook failed its authenticity check
type ErrInvalidSignature struct {
	Provider donation.PaymentMethod
	Err      error
}

func (e ErrInvalidSignature) Error() string {
	return fmt.Sprintf("invalid %s webhook signature: %v", e.Provider, e.Err)
}

func (e ErrInvalidSignature) Unwrap() error {
	return e.Err
}

// Is implements the errors.Is interface for ErrInvalidSignature
func (e ErrInvalidSignature) Is(target error) bool {
	t, ok := target.(ErrInvalidSignature)
	if !ok {
		return false
	}
	return t.Provider == "" || t.Provider == e.Provider
}

// ErrMalformedNotification indicates a notification that cannot be parsed
type ErrMalformedNotification struct {
	Provider donation.PaymentMethod
	Reason   string
}

func (e ErrMalformedNotification) Error() string {
	return fmt.Sprintf("malformed %s notification: %s", e.Provider, e.Reason)
}

// Is implements the errors.Is interface for ErrMalformedNotification
func (e ErrMalformedNotification) Is(target error) bool {
	t, ok := target.(ErrMalformedNotification)
	if !ok {
		return false
	}
	return t.Provider == "" || t.Provider == e.Provider
}

// Unavailable wraps a transport error, flagging timeouts
func Unavailable(provider donation.PaymentMethod, err error) error {
	return ErrProviderUnavailable{Provider: provider, Timeout: IsTimeout(err), Err: err}
}

// IsTimeout reports whether err is a deadline or network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
