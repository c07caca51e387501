// Package memory is an in-process Store meant for development and tests.
// Records are lost on restart.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/lmsapi/otpverify/internal/store"
	"github.com/lmsapi/otpverify/pkg/models"
)

// Memory implements an in-memory Store.
type Memory struct {
	mu   sync.Mutex
	otps map[string]models.OTP
}

// New returns an empty in-memory store.
func New() *Memory {
	return &Memory{
		otps: make(map[string]models.OTP),
	}
}

// Get returns the OTP saved against a phone number.
func (m *Memory) Get(_ context.Context, phone string) (models.OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.otps[phone]
	if !ok {
		return models.OTP{PhoneNumber: phone}, store.ErrNotExist
	}
	return o, nil
}

// Upsert creates or overwrites the OTP for a phone number.
func (m *Memory) Upsert(_ context.Context, otp models.OTP) (models.OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.otps[otp.PhoneNumber]; ok {
		otp.ID = old.ID
	} else {
		otp.ID = uuid.NewString()
	}
	m.otps[otp.PhoneNumber] = otp
	return otp, nil
}

// Update runs fn against the OTP for a phone number while holding the lock.
func (m *Memory) Update(_ context.Context, phone string, fn store.UpdateFunc) (models.OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.otps[phone]
	if !ok {
		return models.OTP{PhoneNumber: phone}, store.ErrNotExist
	}

	changed, err := fn(&o)
	if err != nil {
		return o, err
	}
	if changed {
		m.otps[phone] = o
	}
	return o, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
