package models

import (
	"context"
	"time"
)

// OTP is the single verification record held against a phone number.
// Issuing a new code overwrites every field except ID.
type OTP struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Code        string    `json:"-"`
	Verified    bool      `json:"is_verified"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired tells if the OTP's validity window has lapsed at t.
// The instant of expiry itself is still valid.
func (o OTP) Expired(t time.Time) bool {
	return t.After(o.ExpiresAt)
}

// Locked tells if the failed attempts have reached the ceiling.
func (o OTP) Locked() bool {
	return o.Attempts >= o.MaxAttempts
}

// Remaining returns the number of failed attempts left before lockout.
func (o OTP) Remaining() int {
	if n := o.MaxAttempts - o.Attempts; n > 0 {
		return n
	}
	return 0
}

// Message is a rendered OTP notification.
type Message struct {
	From    string
	To      string
	Subject string
	Text    []byte
	HTML    []byte
}

// Notifier is an interface for the messaging backend that delivers
// OTPs to a user's contact address, for instance, e-mail.
type Notifier interface {
	// ID returns the name of the Notifier.
	ID() string

	// ValidateAddress validates the 'to' address the Notifier
	// is supposed to send the OTP to.
	ValidateAddress(to string) error

	// Push sends a message synchronously. It returns only after the
	// backend has accepted (or rejected) the message.
	Push(ctx context.Context, m Message) error

	// Close releases any connections held by the Notifier.
	Close() error
}
