package verifications

import (
	"context"
	"database/sql"
	"fmt"

	"vigil/internal/principal/ident"
	"vigil/internal/principal/models"
	"vigil/internal/principal/store"
	"vigil/internal/platform/sentinel"
)

// SQLiteStore persists verification entries in SQLite. Codes are stored as
// INTEGER; SQLite holds them as signed 64-bit, which covers the 18-digit code
// space.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite constructs the store and creates the schema if absent.
func NewSQLite(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS verifications (
		email TEXT NOT NULL,
		code INTEGER NOT NULL,
		expires INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create verifications table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, email string, now uint32, suppressIfExists bool) (*models.VerificationEntry, error) {
	if suppressIfExists {
		existing, err := s.GetByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			// Only a live entry suppresses; a dead one is replaced.
			if !existing.ExpiredAt(now) {
				return nil, nil
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE email = ?`, email); err != nil {
				return nil, fmt.Errorf("replace expired verification: %w", err)
			}
		}
	}

	code, err := ident.NewCode(ctx, func(ctx context.Context, candidate uint64) (bool, error) {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM verifications WHERE code = ?`, int64(candidate)).Scan(&one)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check verification code: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create verification: %w", err)
	}

	entry := models.VerificationEntry{Email: email, Code: code, Expires: now + store.VerificationTTL}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verifications (email, code, expires) VALUES (?, ?, ?)`,
		entry.Email, int64(entry.Code), int64(entry.Expires))
	if err != nil {
		return nil, fmt.Errorf("insert verification: %w", err)
	}
	return &entry, nil
}

func (s *SQLiteStore) GetByEmail(ctx context.Context, email string) (*models.VerificationEntry, error) {
	var e models.VerificationEntry
	var code, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT email, code, expires FROM verifications WHERE email = ?`, email).
		Scan(&e.Email, &code, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verification by email: %w", err)
	}
	e.Code = uint64(code)
	e.Expires = uint32(expires)
	return &e, nil
}

// ConsumeByCode deletes the matching non-expired entry and returns its email
// in a single statement, so two concurrent verify calls cannot both succeed.
func (s *SQLiteStore) ConsumeByCode(ctx context.Context, code uint64, now uint32) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM verifications WHERE code = ? AND expires >= ? RETURNING email`,
		int64(code), int64(now)).Scan(&email)
	if err == sql.ErrNoRows {
		// Distinguish expired-but-present from absent for the caller's
		// logs; both refuse verification.
		var expires int64
		lookupErr := s.db.QueryRowContext(ctx,
			`SELECT expires FROM verifications WHERE code = ?`, int64(code)).Scan(&expires)
		if lookupErr == nil {
			return "", fmt.Errorf("verification code: %w", sentinel.ErrExpired)
		}
		return "", fmt.Errorf("verification code: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("consume verification: %w", err)
	}
	return email, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now uint32) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE expires < ?`, int64(now)); err != nil {
		return fmt.Errorf("purge expired verifications: %w", err)
	}
	return nil
}
