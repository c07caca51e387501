// Package smtp is an e-mail Notifier that sends OTP messages through a
// pool of SMTP connections.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"regexp"
	"time"

	"github.com/knadh/smtppool"
	"github.com/lmsapi/otpverify/pkg/models"
)

const (
	notifierID    = "smtp"
	maxAddressLen = 254
)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// Config represents an SMTP server's credentials.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	AuthProtocol string        `json:"auth_protocol"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	Timeout      time.Duration `json:"timeout"`
	MaxConns     int           `json:"max_conns"`

	// STARTTLS, TLS or none.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// sender is the part of smtppool.Pool used by the notifier.
type sender interface {
	Send(smtppool.Email) error
	Close()
}

// SMTP is a generic SMTP e-mail notifier.
type SMTP struct {
	p sender
}

// New creates and returns an SMTP notifier.
func New(cfg Config) (*SMTP, error) {
	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}
	if cfg.Timeout < time.Second {
		cfg.Timeout = 5 * time.Second
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	if cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		// SSL/TLS, not STARTTLS.
		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return &SMTP{p: pool}, nil
}

// ID returns the notifier's ID.
func (s *SMTP) ID() string {
	return notifierID
}

// ValidateAddress "validates" an e-mail address.
func (s *SMTP) ValidateAddress(to string) error {
	if len(to) > maxAddressLen || !reMail.MatchString(to) {
		return errors.New("invalid e-mail address")
	}
	return nil
}

// Push sends a multipart e-mail with the plain text and HTML bodies.
// The pool doesn't take a context, so a cancelled context abandons the
// wait but not the send already in flight.
func (s *SMTP) Push(ctx context.Context, m models.Message) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.p.Send(smtppool.Email{
			From:    m.From,
			To:      []string{m.To},
			Subject: m.Subject,
			Text:    m.Text,
			HTML:    m.HTML,
		})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("error sending e-mail: %w", ctx.Err())
	}
}

// Close closes the SMTP connection pool.
func (s *SMTP) Close() error {
	s.p.Close()
	return nil
}
