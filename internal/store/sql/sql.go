// Package sql is a relational Store backed by gorm. Postgres and MySQL are
// supported. Updates take a row lock (SELECT ... FOR UPDATE) for the
// duration of the read-modify-write.
package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lmsapi/otpverify/internal/store"
	"github.com/lmsapi/otpverify/pkg/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Conf contains the database configuration fields.
type Conf struct {
	// postgres or mysql.
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

// SQL implements a relational Store.
type SQL struct {
	db *gorm.DB
}

// row is the table representation of an OTP.
type row struct {
	ID          string    `gorm:"primaryKey;size:36"`
	PhoneNumber string    `gorm:"size:20;not null;uniqueIndex"`
	Code        string    `gorm:"column:otp_code;size:12;not null"`
	Verified    bool      `gorm:"column:is_verified;not null;default:false"`
	Attempts    int       `gorm:"not null;default:0"`
	MaxAttempts int       `gorm:"not null;default:3"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
}

func (row) TableName() string {
	return "otps"
}

// New connects to the database and returns a SQL store.
func New(c Conf) (*SQL, error) {
	var d gorm.Dialector
	switch c.Driver {
	case "postgres", "":
		d = postgres.Open(c.DSN)
	case "mysql":
		d = mysql.Open(c.DSN)
	default:
		return nil, fmt.Errorf("unknown SQL driver '%s'", c.Driver)
	}

	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to DB: %w", err)
	}

	return NewWithDB(db, c)
}

// NewWithDB returns a SQL store over an existing gorm connection.
func NewWithDB(db *gorm.DB, c Conf) (*SQL, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if c.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.ConnMaxLifetime)
	}

	if c.AutoMigrate {
		if err := db.AutoMigrate(&row{}); err != nil {
			return nil, fmt.Errorf("error migrating OTP table: %w", err)
		}
	}

	return &SQL{db: db}, nil
}

// Get returns the OTP saved against a phone number.
func (s *SQL) Get(ctx context.Context, phone string) (models.OTP, error) {
	var r row
	if err := s.db.WithContext(ctx).Where("phone_number = ?", phone).Take(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.OTP{PhoneNumber: phone}, store.ErrNotExist
		}
		return models.OTP{PhoneNumber: phone}, err
	}
	return r.toOTP(), nil
}

// Upsert inserts the OTP or, on a phone number conflict, overwrites
// everything but the primary key.
func (s *SQL) Upsert(ctx context.Context, otp models.OTP) (models.OTP, error) {
	r := fromOTP(otp)
	r.ID = uuid.NewString()

	var got row
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "phone_number"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"otp_code", "is_verified", "attempts", "max_attempts", "created_at", "expires_at",
			}),
		}).Create(&r).Error
		if err != nil {
			return err
		}

		// The ID of a pre-existing row wins over the generated one. Read
		// into a zero row as Take() adds a non-zero primary key to the query.
		return tx.Where("phone_number = ?", otp.PhoneNumber).Take(&got).Error
	})
	if err != nil {
		return otp, err
	}

	return got.toOTP(), nil
}

// Update locks the OTP's row, applies fn and writes back the mutable
// columns inside one transaction.
func (s *SQL) Update(ctx context.Context, phone string, fn store.UpdateFunc) (models.OTP, error) {
	out := models.OTP{PhoneNumber: phone}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r row
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("phone_number = ?", phone).Take(&r).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotExist
			}
			return err
		}

		out = r.toOTP()
		changed, err := fn(&out)
		if err != nil || !changed {
			return err
		}

		return tx.Model(&r).Updates(map[string]interface{}{
			"is_verified": out.Verified,
			"attempts":    out.Attempts,
		}).Error
	})

	return out, err
}

// Ping checks if the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromOTP(o models.OTP) row {
	return row{
		ID:          o.ID,
		PhoneNumber: o.PhoneNumber,
		Code:        o.Code,
		Verified:    o.Verified,
		Attempts:    o.Attempts,
		MaxAttempts: o.MaxAttempts,
		CreatedAt:   o.CreatedAt,
		ExpiresAt:   o.ExpiresAt,
	}
}

func (r row) toOTP() models.OTP {
	return models.OTP{
		ID:          r.ID,
		PhoneNumber: r.PhoneNumber,
		Code:        r.Code,
		Verified:    r.Verified,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}
