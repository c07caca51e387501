package otp

import (
	"bytes"
	"fmt"
	htemplate "html/template"
	"strings"
	ttemplate "text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/lmsapi/otpverify/pkg/models"
)

// Templates holds the compiled subject, plain text and HTML bodies of the
// OTP notification.
type Templates struct {
	subject *ttemplate.Template
	text    *ttemplate.Template
	html    *htemplate.Template
}

// tplData is exposed to the notification templates.
type tplData struct {
	To          string
	PhoneNumber string
	OTP         string
	TTL         time.Duration
	TTLMinutes  int
	ExpiresAt   time.Time
}

// ParseTemplates compiles the notification templates. The sprig function
// library is available in all of them.
func ParseTemplates(subject, text, html string) (*Templates, error) {
	s, err := ttemplate.New("subject").Funcs(sprig.TxtFuncMap()).Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("error parsing subject template: %v", err)
	}

	t, err := ttemplate.New("text").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("error parsing text template: %v", err)
	}

	h, err := htemplate.New("html").Funcs(sprig.FuncMap()).Parse(html)
	if err != nil {
		return nil, fmt.Errorf("error parsing HTML template: %v", err)
	}

	return &Templates{subject: s, text: t, html: h}, nil
}

// Render compiles the message for an issued OTP.
func (t *Templates) Render(from, to string, otp models.OTP) (models.Message, error) {
	var (
		ttl  = otp.ExpiresAt.Sub(otp.CreatedAt)
		data = tplData{
			To:          to,
			PhoneNumber: otp.PhoneNumber,
			OTP:         otp.Code,
			TTL:         ttl,
			TTLMinutes:  int(ttl.Minutes()),
			ExpiresAt:   otp.ExpiresAt,
		}

		subj = &bytes.Buffer{}
		text = &bytes.Buffer{}
		html = &bytes.Buffer{}
	)

	if err := t.subject.Execute(subj, data); err != nil {
		return models.Message{}, err
	}
	if err := t.text.Execute(text, data); err != nil {
		return models.Message{}, err
	}
	if err := t.html.Execute(html, data); err != nil {
		return models.Message{}, err
	}

	return models.Message{
		From:    from,
		To:      to,
		Subject: strings.TrimSpace(subj.String()),
		Text:    text.Bytes(),
		HTML:    html.Bytes(),
	}, nil
}
