// Package otp issues and verifies the one-time passwords that gate payment
// actions. There is a single active OTP per phone number. Issuing a new one
// overwrites the previous OTP wholesale, verification is attempt-limited,
// and a verified OTP only counts as verified until it expires.
package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/lmsapi/otpverify/internal/store"
	"github.com/lmsapi/otpverify/pkg/models"
	"github.com/zerodha/logf"
)

const (
	msgNotFound    = "No OTP found for this phone number."
	msgExpired     = "OTP has expired. Please request a new one."
	msgExhausted   = "Maximum attempts exceeded. Please request a new OTP."
	msgMismatch    = "Invalid OTP. %d attempts remaining."
	msgVerified    = "OTP verified successfully"
	msgSent        = "OTP sent to %s"
	msgDispatchErr = "Error sending OTP."
)

// Kind classifies the outcome of an operation that did not succeed.
type Kind string

const (
	NotFound          Kind = "not_found"
	Expired           Kind = "expired"
	AttemptsExhausted Kind = "attempts_exhausted"
	CodeMismatch      Kind = "code_mismatch"
	DispatchFailure   Kind = "dispatch_failure"
	ValidationFailure Kind = "validation_failure"
)

// Error is an outcome Kind carried as an error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Opt represents the OTP policy.
type Opt struct {
	TTL             time.Duration
	MaxAttempts     int
	CodeLength      int
	DispatchTimeout time.Duration

	// From is the sender address on notifications.
	From string
}

// IssueResult is the outcome of Issue().
type IssueResult struct {
	Success bool
	Kind    Kind
	Message string
	OTPID   string
}

// VerifyResult is the outcome of Verify().
type VerifyResult struct {
	Success   bool
	Kind      Kind
	Message   string
	Remaining int
}

// Err returns the result as an *Error, or nil if it succeeded.
func (r IssueResult) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Message: r.Message}
}

// Err returns the result as an *Error, or nil if it succeeded.
func (r VerifyResult) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Message: r.Message}
}

// Service issues, dispatches and verifies OTPs. It holds no state of its
// own. All state lives in the Store.
type Service struct {
	store    store.Store
	notifier models.Notifier
	tpl      *Templates
	opt      Opt
	lo       logf.Logger

	now     func() time.Time
	genCode func(int) string
}

// New returns a new OTP Service.
func New(st store.Store, n models.Notifier, tpl *Templates, o Opt, lo logf.Logger) *Service {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.CodeLength < 1 {
		o.CodeLength = 6
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 10 * time.Second
	}

	return &Service{
		store:    st,
		notifier: n,
		tpl:      tpl,
		opt:      o,
		lo:       lo,
		now:      time.Now,
		genCode:  GenerateCode,
	}
}

// Issue generates a fresh OTP for a phone number, overwriting any previous
// one, and sends it to the given address.
//
// The OTP is committed to the store before it is sent. If sending fails,
// the stored OTP remains valid but undelivered and the result reports a
// DispatchFailure. Re-issuing overwrites it. The error return is reserved
// for store failures.
func (s *Service) Issue(ctx context.Context, phone, to string) (IssueResult, error) {
	now := s.now()
	otp, err := s.store.Upsert(ctx, models.OTP{
		PhoneNumber: phone,
		Code:        s.genCode(s.opt.CodeLength),
		Verified:    false,
		Attempts:    0,
		MaxAttempts: s.opt.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opt.TTL),
	})
	if err != nil {
		return IssueResult{}, fmt.Errorf("error saving OTP: %w", err)
	}

	if err := s.dispatch(ctx, otp, to); err != nil {
		s.lo.Error("error sending OTP", "error", err, "notifier", s.notifier.ID(),
			"phone", phone, "to", to, "otp_id", otp.ID)
		return IssueResult{Kind: DispatchFailure, Message: msgDispatchErr}, nil
	}

	s.lo.Debug("sent otp", "phone", phone, "to", to, "otp_id", otp.ID, "notifier", s.notifier.ID())
	return IssueResult{
		Success: true,
		Message: fmt.Sprintf(msgSent, to),
		OTPID:   otp.ID,
	}, nil
}

// dispatch renders the notification and pushes it out, bounded by the
// dispatch timeout.
func (s *Service) dispatch(ctx context.Context, otp models.OTP, to string) error {
	m, err := s.tpl.Render(s.opt.From, to, otp)
	if err != nil {
		return fmt.Errorf("error rendering message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opt.DispatchTimeout)
	defer cancel()

	return s.notifier.Push(ctx, m)
}

// Verify checks a submitted code against the phone number's OTP. Checks run
// in order: existence, expiry, attempt exhaustion, then the comparison.
// Only a failed comparison increments the attempt counter.
func (s *Service) Verify(ctx context.Context, phone, code string) (VerifyResult, error) {
	var (
		now = s.now()
		res VerifyResult
	)

	_, err := s.store.Update(ctx, phone, func(o *models.OTP) (bool, error) {
		switch {
		case o.Expired(now):
			res = VerifyResult{Kind: Expired, Message: msgExpired}
			return false, nil

		case o.Locked():
			res = VerifyResult{Kind: AttemptsExhausted, Message: msgExhausted}
			return false, nil

		case subtle.ConstantTimeCompare([]byte(o.Code), []byte(code)) == 1:
			res = VerifyResult{Success: true, Message: msgVerified, Remaining: o.Remaining()}

			// Already verified. Nothing to write.
			if o.Verified {
				return false, nil
			}
			o.Verified = true
			return true, nil
		}

		o.Attempts++
		res = VerifyResult{
			Kind:      CodeMismatch,
			Message:   fmt.Sprintf(msgMismatch, o.Remaining()),
			Remaining: o.Remaining(),
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return VerifyResult{Kind: NotFound, Message: msgNotFound}, nil
		}
		return VerifyResult{}, fmt.Errorf("error verifying OTP: %w", err)
	}

	return res, nil
}

// IsVerified tells if the phone number has a verified OTP that hasn't
// expired yet. A verified OTP lapses at its expiry even though the stored
// flag stays set.
func (s *Service) IsVerified(ctx context.Context, phone string) (bool, error) {
	otp, err := s.store.Get(ctx, phone)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("error checking OTP: %w", err)
	}

	return otp.Verified && !otp.Expired(s.now()), nil
}

// Ping checks if the underlying store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
