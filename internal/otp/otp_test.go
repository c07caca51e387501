package otp

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lmsapi/otpverify/internal/store"
	"github.com/lmsapi/otpverify/internal/store/memory"
	"github.com/lmsapi/otpverify/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const (
	testPhone = "+15550001"
	testEmail = "student@example.com"
	testCode  = "123456"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeNotifier records pushed messages and optionally fails.
type fakeNotifier struct {
	mu   sync.Mutex
	msgs []models.Message
	err  error
}

func (f *fakeNotifier) ID() string                     { return "fake" }
func (f *fakeNotifier) ValidateAddress(to string) error { return nil }
func (f *fakeNotifier) Close() error                    { return nil }

func (f *fakeNotifier) Push(ctx context.Context, m models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("push without a deadline")
	}
	f.msgs = append(f.msgs, m)
	return nil
}

// erroringStore fails every operation.
type erroringStore struct {
	store.Store
}

var errStoreDown = errors.New("store down")

func (erroringStore) Get(context.Context, string) (models.OTP, error) {
	return models.OTP{}, errStoreDown
}

func (erroringStore) Upsert(_ context.Context, o models.OTP) (models.OTP, error) {
	return o, errStoreDown
}

func (erroringStore) Update(context.Context, string, store.UpdateFunc) (models.OTP, error) {
	return models.OTP{}, errStoreDown
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestTemplates(t *testing.T) *Templates {
	tpl, err := ParseTemplates("Verification code",
		"Your OTP is {{ .OTP }}. Valid for {{ .TTLMinutes }} minutes.",
		"<p>Your OTP is <strong>{{ .OTP }}</strong></p>")
	require.NoError(t, err)
	return tpl
}

func newTestService(t *testing.T, st store.Store, n models.Notifier) (*Service, *clock) {
	lo := logf.New(logf.Opts{Writer: os.Stderr, Level: logf.ErrorLevel})

	c := &clock{t: t0}
	s := New(st, n, newTestTemplates(t), Opt{
		TTL:         5 * time.Minute,
		MaxAttempts: 3,
		CodeLength:  6,
		From:        "noreply@lms.local",
	}, lo)
	s.now = c.now
	s.genCode = func(int) string { return testCode }

	return s, c
}

func TestNewDefaults(t *testing.T) {
	s := New(memory.New(), &fakeNotifier{}, nil, Opt{}, logf.New(logf.Opts{}))
	assert.Equal(t, 5*time.Minute, s.opt.TTL)
	assert.Equal(t, 3, s.opt.MaxAttempts)
	assert.Equal(t, 6, s.opt.CodeLength)
	assert.Equal(t, 10*time.Second, s.opt.DispatchTimeout)
}

func TestIssue(t *testing.T) {
	var (
		st  = memory.New()
		n   = &fakeNotifier{}
		ctx = context.Background()
	)
	s, _ := newTestService(t, st, n)

	res, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "OTP sent to "+testEmail, res.Message)
	assert.NotEmpty(t, res.OTPID)
	assert.NoError(t, res.Err())

	o, err := st.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, testCode, o.Code)
	assert.False(t, o.Verified)
	assert.Equal(t, 0, o.Attempts)
	assert.Equal(t, 3, o.MaxAttempts)
	assert.Equal(t, t0, o.CreatedAt)
	assert.Equal(t, t0.Add(5*time.Minute), o.ExpiresAt)

	require.Len(t, n.msgs, 1)
	m := n.msgs[0]
	assert.Equal(t, testEmail, m.To)
	assert.Equal(t, "noreply@lms.local", m.From)
	assert.Equal(t, "Verification code", m.Subject)
	assert.Equal(t, "Your OTP is 123456. Valid for 5 minutes.", string(m.Text))
	assert.Contains(t, string(m.HTML), "<strong>123456</strong>")
}

func TestIssueOverwrites(t *testing.T) {
	var (
		st  = memory.New()
		ctx = context.Background()
	)
	s, c := newTestService(t, st, &fakeNotifier{})

	first, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)

	// Exhaust and verify the first OTP, then re-issue.
	for i := 0; i < 2; i++ {
		_, err := s.Verify(ctx, testPhone, "000000")
		require.NoError(t, err)
	}
	res, err := s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	require.True(t, res.Success)

	c.advance(time.Minute)
	s.genCode = func(int) string { return "654321" }
	second, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)
	assert.Equal(t, first.OTPID, second.OTPID)

	o, err := st.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, "654321", o.Code)
	assert.False(t, o.Verified, "verified flag survived re-issue")
	assert.Equal(t, 0, o.Attempts, "attempts survived re-issue")
	assert.Equal(t, c.t.Add(5*time.Minute), o.ExpiresAt)

	ok, err := s.IsVerified(ctx, testPhone)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIssueDispatchFailure(t *testing.T) {
	var (
		st  = memory.New()
		n   = &fakeNotifier{err: errors.New("smtp: 421 service not available")}
		ctx = context.Background()
	)
	s, _ := newTestService(t, st, n)

	res, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, DispatchFailure, res.Kind)
	assert.NotContains(t, res.Message, "421", "internal error leaked")

	var e *Error
	require.ErrorAs(t, res.Err(), &e)
	assert.Equal(t, DispatchFailure, e.Kind)

	// The OTP stays committed and verifiable.
	_, err = st.Get(ctx, testPhone)
	require.NoError(t, err)

	vr, err := s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	assert.True(t, vr.Success)
}

func TestIssueStoreFailure(t *testing.T) {
	n := &fakeNotifier{}
	s, _ := newTestService(t, erroringStore{}, n)

	_, err := s.Issue(context.Background(), testPhone, testEmail)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, n.msgs, "message sent for an unsaved OTP")
}

func TestVerifySuccess(t *testing.T) {
	var (
		st  = memory.New()
		ctx = context.Background()
	)
	s, c := newTestService(t, st, &fakeNotifier{})

	_, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)

	c.advance(30 * time.Second)
	res, err := s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "OTP verified successfully", res.Message)

	ok, err := s.IsVerified(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, ok)

	// Verifying again succeeds without touching the record.
	res, err = s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	assert.True(t, res.Success)

	o, err := st.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, o.Verified)
	assert.Equal(t, 0, o.Attempts)
}

func TestVerifyAttempts(t *testing.T) {
	var (
		st  = memory.New()
		ctx = context.Background()
	)
	s, _ := newTestService(t, st, &fakeNotifier{})

	_, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)

	for i, remaining := range []int{2, 1, 0} {
		res, err := s.Verify(ctx, testPhone, "000000")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, CodeMismatch, res.Kind)
		assert.Equal(t, remaining, res.Remaining)

		o, err := st.Get(ctx, testPhone)
		require.NoError(t, err)
		assert.Equal(t, i+1, o.Attempts)
	}

	// Locked: even the right code is refused and nothing changes.
	res, err := s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, AttemptsExhausted, res.Kind)
	assert.Equal(t, "Maximum attempts exceeded. Please request a new OTP.", res.Message)

	o, err := st.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, 3, o.Attempts)
	assert.False(t, o.Verified)
}

func TestVerifyMismatchMessage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, memory.New(), &fakeNotifier{})

	_, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)

	res, err := s.Verify(ctx, testPhone, "999999")
	require.NoError(t, err)
	assert.Equal(t, "Invalid OTP. 2 attempts remaining.", res.Message)
}

func TestVerifyExpired(t *testing.T) {
	var (
		st  = memory.New()
		ctx = context.Background()
	)
	s, c := newTestService(t, st, &fakeNotifier{})

	_, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)

	c.advance(5*time.Minute + time.Second)
	res, err := s.Verify(ctx, testPhone, "000000")
	require.NoError(t, err)
	assert.Equal(t, Expired, res.Kind)
	assert.Equal(t, "OTP has expired. Please request a new one.", res.Message)

	// An expired OTP doesn't count attempts.
	o, err := st.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, 0, o.Attempts)

	res, err = s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	assert.Equal(t, Expired, res.Kind)
}

func TestVerifyAtExpiry(t *testing.T) {
	ctx := context.Background()
	s, c := newTestService(t, memory.New(), &fakeNotifier{})

	_, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)

	c.advance(5 * time.Minute)
	res, err := s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestVerifiedLapses(t *testing.T) {
	var (
		st  = memory.New()
		ctx = context.Background()
	)
	s, c := newTestService(t, st, &fakeNotifier{})

	_, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)
	res, err := s.Verify(ctx, testPhone, testCode)
	require.NoError(t, err)
	require.True(t, res.Success)

	c.advance(6 * time.Minute)
	ok, err := s.IsVerified(ctx, testPhone)
	require.NoError(t, err)
	assert.False(t, ok)

	// The stored flag stays set.
	o, err := st.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, o.Verified)
}

func TestVerifyNotFound(t *testing.T) {
	s, _ := newTestService(t, memory.New(), &fakeNotifier{})

	res, err := s.Verify(context.Background(), testPhone, testCode)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, NotFound, res.Kind)
	assert.Equal(t, "No OTP found for this phone number.", res.Message)

	ok, err := s.IsVerified(context.Background(), testPhone)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreErrors(t *testing.T) {
	s, _ := newTestService(t, erroringStore{}, &fakeNotifier{})

	_, err := s.Verify(context.Background(), testPhone, testCode)
	assert.ErrorIs(t, err, errStoreDown)

	_, err = s.IsVerified(context.Background(), testPhone)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestVerifyConcurrent(t *testing.T) {
	var (
		st  = memory.New()
		ctx = context.Background()
	)
	s, _ := newTestService(t, st, &fakeNotifier{})

	_, err := s.Issue(ctx, testPhone, testEmail)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		mismatch int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Verify(ctx, testPhone, "000000")
			if err != nil {
				return
			}
			if res.Kind == CodeMismatch {
				mu.Lock()
				mismatch++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// No more wrong guesses are counted than the OTP allows.
	assert.Equal(t, 3, mismatch)
	o, err := st.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, 3, o.Attempts)
}
