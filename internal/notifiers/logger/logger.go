// Package logger is a development Notifier that writes OTP messages to the
// log instead of delivering them.
package logger

import (
	"context"

	"github.com/lmsapi/otpverify/pkg/models"
	"github.com/zerodha/logf"
)

// Logger logs messages.
type Logger struct {
	lo logf.Logger
}

// New returns a Logger notifier.
func New(lo logf.Logger) *Logger {
	return &Logger{lo: lo}
}

// ID returns the notifier's ID.
func (l *Logger) ID() string {
	return "log"
}

// ValidateAddress accepts any address.
func (l *Logger) ValidateAddress(string) error {
	return nil
}

// Push logs the message.
func (l *Logger) Push(_ context.Context, m models.Message) error {
	l.lo.Info("otp message", "from", m.From, "to", m.To, "subject", m.Subject, "text", string(m.Text))
	return nil
}

// Close is a no-op.
func (l *Logger) Close() error {
	return nil
}
