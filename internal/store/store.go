package store

import (
	"context"
	"errors"
	"time"

	"github.com/civicreport/otpd/pkg/models"
)

// ErrNotExist is thrown when an OTP (requested by identifier / code / ID)
// does not exist.
var ErrNotExist = errors.New("the OTP does not exist")

// Store represents a storage backend where OTP data is stored.
type Store interface {
	// Put sets an OTP against its identifier, atomically replacing any
	// OTP previously stored for the same identifier.
	Put(ctx context.Context, otp models.OTP) error

	// Find returns the OTP stored against identifier if its code matches.
	Find(ctx context.Context, identifier, code string) (models.OTP, error)

	// Consume atomically finds and deletes the OTP stored against identifier
	// if its code matches, and returns the deleted OTP. Among concurrent
	// callers, at most one receives the OTP. The rest get ErrNotExist.
	Consume(ctx context.Context, identifier, code string) (models.OTP, error)

	// DeleteByID deletes the OTP with the given record ID. Deleting an
	// OTP that no longer exists is not an error.
	DeleteByID(ctx context.Context, id string) error

	// Ping checks if store is reachable
	Ping(ctx context.Context) error
}

// Purger is implemented by stores that don't expire records natively.
type Purger interface {
	// Purge deletes all OTPs that expired before t and returns the count.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
