package store

import (
	"context"
	"errors"

	"github.com/lmsapi/otpverify/pkg/models"
)

// ErrNotExist is thrown when an OTP (requested by phone number)
// does not exist.
var ErrNotExist = errors.New("the OTP does not exist")

// UpdateFunc mutates an OTP in place. It returns true if the OTP was changed
// and has to be written back. An error aborts the update without writing.
type UpdateFunc func(otp *models.OTP) (bool, error)

// Store represents a storage backend where OTP records are stored, one
// per phone number.
type Store interface {
	// Get returns the OTP saved against a phone number.
	Get(ctx context.Context, phone string) (models.OTP, error)

	// Upsert atomically creates or overwrites the OTP for otp.PhoneNumber.
	// An existing record keeps its ID. The stored OTP is returned.
	Upsert(ctx context.Context, otp models.OTP) (models.OTP, error)

	// Update runs fn against the current OTP for a phone number and writes
	// the result back atomically with respect to other Upsert() and
	// Update() calls on the same phone number. ErrNotExist is returned
	// (and fn is never called) if there's no OTP. The OTP as seen (and
	// possibly mutated) by fn is returned.
	Update(ctx context.Context, phone string, fn UpdateFunc) (models.OTP, error)

	// Ping checks if store is reachable.
	Ping(ctx context.Context) error

	// Close closes the store's connections.
	Close() error
}
