package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lmsapi/otpverify/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var msg = models.Message{
	From:    "noreply@lms.local",
	To:      "student@example.com",
	Subject: "LMS Payment Verification Code",
	Text:    []byte("Your OTP is 123456"),
	HTML:    []byte("<p>123456</p>"),
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPush(t *testing.T) {
	var (
		got  Payload
		user string
		pass string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL, Username: "lms", Password: "secret"})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Push(context.Background(), msg))
	assert.Equal(t, "lms", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, Payload{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    "Your OTP is 123456",
		HTML:    "<p>123456</p>",
	}, got)
}

func TestPushBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, w.Push(context.Background(), msg))
}

func TestPushContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Push(ctx, msg), context.DeadlineExceeded)
}
