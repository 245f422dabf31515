package otp

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is returned when the identifier is neither a valid
	// e-mail address nor a valid phone number, or when the requested channel
	// can't deliver to it.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrAccountNotFound is returned when no account is registered against
	// the identifier.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidOrExpiredCode is returned for a wrong, expired, already used
	// or never issued code. The cases are deliberately indistinguishable.
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")

	// ErrStorageUnavailable is returned when the store or the account lookup
	// fails or times out.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeliveryFailed is matched by every *DeliveryError.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// DeliveryError is returned when an OTP was stored but could not be pushed
// out over its channel. The caller may request a fresh OTP.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("error delivering OTP via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDeliveryFailed) hold for any DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
