package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lmsapi/otpverify/internal/store"
	"github.com/lmsapi/otpverify/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"
)

const defaultMaxRetries = 10

// ErrConflict is returned when an OTP kept changing underneath an
// optimistic transaction for more than MaxRetries attempts.
var ErrConflict = errors.New("too many concurrent modifications to the OTP")

// Redis implements a Redis Store. Every OTP is a hash keyed by
// its phone number.
type Redis struct {
	client *redis.Client
	conf   Conf
	lo     logf.Logger
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// Retention, if set, physically expires a record this long after it
	// was last issued. OTP expiry itself is always evaluated from the
	// record's expires_at, never from the key's TTL.
	Retention time.Duration `json:"retention"`

	// MaxRetries is the number of times an optimistic (WATCH) transaction
	// is retried when the key is modified concurrently.
	MaxRetries int `json:"max_retries"`

	// If this is set, 'issue' and 'verify' events will be PUBLISHed to
	// to this Redis key (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

// record is the hash representation of an OTP.
type record struct {
	ID          string `redis:"id"`
	PhoneNumber string `redis:"phone_number"`
	Code        string `redis:"otp"`
	Verified    bool   `redis:"verified"`
	Attempts    int    `redis:"attempts"`
	MaxAttempts int    `redis:"max_attempts"`
	CreatedAt   int64  `redis:"created_at"`
	ExpiresAt   int64  `redis:"expires_at"`
}

type event struct {
	Type        string          `json:"type"`
	PhoneNumber string          `json:"phone_number"`
	Data        json.RawMessage `json:"data"`
}

// New returns a Redis implementation of store. Failed event publishes
// are logged to lo.
func New(c Conf, lo logf.Logger) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = defaultMaxRetries
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
		lo:     lo,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get retrieves the OTP saved against a phone number.
func (r *Redis) Get(ctx context.Context, phone string) (models.OTP, error) {
	var rec record
	if err := r.client.HGetAll(ctx, r.makeKey(phone)).Scan(&rec); err != nil {
		return models.OTP{PhoneNumber: phone}, err
	}

	// Doesn't exist?
	if rec.Code == "" {
		return models.OTP{PhoneNumber: phone}, store.ErrNotExist
	}
	return rec.toOTP(), nil
}

// Upsert overwrites the OTP hash for otp.PhoneNumber, retaining the
// ID of an existing record.
func (r *Redis) Upsert(ctx context.Context, otp models.OTP) (models.OTP, error) {
	key := r.makeKey(otp.PhoneNumber)

	txf := func(tx *redis.Tx) error {
		id, err := tx.HGet(ctx, key, "id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if id == "" {
			id = uuid.NewString()
		}
		otp.ID = id

		// Create a transaction to execute commands atomically.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key, fromOTP(otp).fields()...)
			if r.conf.Retention > 0 {
				pipe.PExpire(ctx, key, r.conf.Retention)
			}
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return otp, err
	}

	r.publish(ctx, "issue", otp)
	return otp, nil
}

// Update applies fn to the OTP inside an optimistic WATCH/MULTI
// transaction. If the key is modified externally between the time of
// watch and the transaction execution, the transaction is aborted and
// fn is re-run against the fresh record.
func (r *Redis) Update(ctx context.Context, phone string, fn store.UpdateFunc) (models.OTP, error) {
	var (
		key     = r.makeKey(phone)
		out     = models.OTP{PhoneNumber: phone}
		changed bool
	)

	txf := func(tx *redis.Tx) error {
		var rec record
		if err := tx.HGetAll(ctx, key).Scan(&rec); err != nil {
			return err
		}
		if rec.Code == "" {
			return store.ErrNotExist
		}

		out = rec.toOTP()
		ok, err := fn(&out)
		if err != nil {
			return err
		}
		changed = ok
		if !changed {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key,
				"verified", out.Verified,
				"attempts", out.Attempts)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return out, err
	}

	if changed {
		r.publish(ctx, "verify", out)
	}
	return out, nil
}

// watch runs txf under WATCH, retrying when the transaction is aborted.
func (r *Redis) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < r.conf.MaxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// publish publishes an event if there's a configured PublishKey. The
// record is already committed, so a failure is only logged.
func (r *Redis) publish(ctx context.Context, typ string, otp models.OTP) {
	if r.conf.PublishKey == "" {
		return
	}

	b, _ := json.Marshal(otp)
	e, _ := json.Marshal(event{
		Type:        typ,
		PhoneNumber: otp.PhoneNumber,
		Data:        json.RawMessage(b),
	})
	if err := r.client.Publish(ctx, r.conf.PublishKey, e).Err(); err != nil {
		r.lo.Error("error publishing OTP event", "error", err, "type", typ, "phone", otp.PhoneNumber)
	}
}

// makeKey makes the Redis key for the OTP.
func (r *Redis) makeKey(phone string) string {
	return fmt.Sprintf("%s:%s", r.conf.KeyPrefix, phone)
}

func fromOTP(o models.OTP) record {
	return record{
		ID:          o.ID,
		PhoneNumber: o.PhoneNumber,
		Code:        o.Code,
		Verified:    o.Verified,
		Attempts:    o.Attempts,
		MaxAttempts: o.MaxAttempts,
		CreatedAt:   o.CreatedAt.UnixMilli(),
		ExpiresAt:   o.ExpiresAt.UnixMilli(),
	}
}

func (r record) toOTP() models.OTP {
	return models.OTP{
		ID:          r.ID,
		PhoneNumber: r.PhoneNumber,
		Code:        r.Code,
		Verified:    r.Verified,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		ExpiresAt:   time.UnixMilli(r.ExpiresAt),
	}
}

func (r record) fields() []interface{} {
	return []interface{}{
		"id", r.ID,
		"phone_number", r.PhoneNumber,
		"otp", r.Code,
		"verified", r.Verified,
		"attempts", r.Attempts,
		"max_attempts", r.MaxAttempts,
		"created_at", r.CreatedAt,
		"expires_at", r.ExpiresAt,
	}
}
