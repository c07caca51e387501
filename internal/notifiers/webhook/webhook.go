// Package webhook is a Notifier that posts rendered OTP messages to an
// HTTP endpoint, leaving delivery to an upstream service.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lmsapi/otpverify/pkg/models"
)

// Payload is posted to the upstream URL.
type Payload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// Config contains the webhook configuration.
type Config struct {
	URL      string        `json:"url"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// Webhook posts messages to a URL.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// New returns a webhook notifier.
func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("invalid webhook url")
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the notifier's ID.
func (w *Webhook) ID() string {
	return "webhook"
}

// ValidateAddress accepts any address. The upstream decides.
func (w *Webhook) ValidateAddress(to string) error {
	return nil
}

// Push posts the message as JSON. Any non-2xx response is an error.
func (w *Webhook) Push(ctx context.Context, m models.Message) error {
	b, err := json.Marshal(Payload{
		From:    m.From,
		To:      m.To,
		Subject: m.Subject,
		Text:    string(m.Text),
		HTML:    string(m.HTML),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "otpverify")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Close releases idle connections.
func (w *Webhook) Close() error {
	w.http.CloseIdleConnections()
	return nil
}
