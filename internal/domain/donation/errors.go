package donation

import (
	"strings"

	"github.com/google/uuid"
)

// ErrValidation indicates bad donor input. The donation is not created.
type ErrValidation struct {
	Field   string
	Message string
}

func (e ErrValidation) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed on " + e.Field + ": " + e.Message
}

// Is implements the errors.Is interface for ErrValidation
func (e ErrValidation) Is(target error) bool {
	t, ok := target.(ErrValidation)
	if !ok {
		return false
	}
	// An empty target field matches any validation error
	if t.Field == "" {
		return true
	}
	return e.Field == t.Field
}

// ErrDonationNotFound indicates a missing donation
type ErrDonationNotFound struct {
	DonationID uuid.UUID
}

func (e ErrDonationNotFound) Error() string {
	return "donation not found: " + e.DonationID.String()
}

// Is implements the errors.Is interface for ErrDonationNotFound
func (e ErrDonationNotFound) Is(target error) bool {
	t, ok := target.(ErrDonationNotFound)
	if !ok {
		return false
	}
	if t.DonationID == uuid.Nil {
		return true
	}
	return e.DonationID == t.DonationID
}

// ErrCorrelationNotFound indicates that none of the lookup keys of an outcome
// resolved to a donation
type ErrCorrelationNotFound struct {
	Keys []LookupKey
}

func (e ErrCorrelationNotFound) Error() string {
	parts := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		parts = append(parts, k.String())
	}
	return "no donation matches correlation keys [" + strings.Join(parts, ", ") + "]"
}

// Is implements the errors.Is interface for ErrCorrelationNotFound
func (e ErrCorrelationNotFound) Is(target error) bool {
	_, ok := target.(ErrCorrelationNotFound)
	return ok
}

// ErrStorageContention indicates a transient lock conflict that outlived the retry budget
type ErrStorageContention struct {
	DonationID uuid.UUID
	Err        error
}

func (e ErrStorageContention) Error() string {
	msg := "storage contention"
	if e.DonationID != uuid.Nil {
		msg += " on donation " + e.DonationID.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ErrStorageContention) Unwrap() error {
	return e.Err
}

// Is implements the errors.Is interface for ErrStorageContention
func (e ErrStorageContention) Is(target error) bool {
	t, ok := target.(ErrStorageContention)
	if !ok {
		return false
	}
	if t.DonationID == uuid.Nil {
		return true
	}
	return e.DonationID == t.DonationID
}

// ErrCorrelationConflict indicates the correlation id is already held by another
// unresolved donation
type ErrCorrelationConflict struct {
	CorrelationID string
}

func (e ErrCorrelationConflict) Error() string {
	return "correlation id already in use by a pending donation: " + e.CorrelationID
}

// ErrDuplicateReceipt indicates a receipt number collision on insert
type ErrDuplicateReceipt struct {
	ReceiptNumber int64
}

func (e ErrDuplicateReceipt) Error() string {
	return "receipt number already assigned"
}
