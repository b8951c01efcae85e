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

// PostgresStore persists verification entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs the store and creates the schema if absent.
func NewPostgres(db *sql.DB) (*PostgresStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS verifications (
		email TEXT NOT NULL,
		code BIGINT NOT NULL,
		expires BIGINT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create verifications table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Create(ctx context.Context, email string, now uint32, suppressIfExists bool) (*models.VerificationEntry, error) {
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
			if _, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE email = $1`, email); err != nil {
				return nil, fmt.Errorf("replace expired verification: %w", err)
			}
		}
	}

	code, err := ident.NewCode(ctx, func(ctx context.Context, candidate uint64) (bool, error) {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM verifications WHERE code = $1`, int64(candidate)).Scan(&one)
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
		`INSERT INTO verifications (email, code, expires) VALUES ($1, $2, $3)`,
		entry.Email, int64(entry.Code), int64(entry.Expires))
	if err != nil {
		return nil, fmt.Errorf("insert verification: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*models.VerificationEntry, error) {
	var e models.VerificationEntry
	var code, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT email, code, expires FROM verifications WHERE email = $1`, email).
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
func (s *PostgresStore) ConsumeByCode(ctx context.Context, code uint64, now uint32) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM verifications WHERE code = $1 AND expires >= $2 RETURNING email`,
		int64(code), int64(now)).Scan(&email)
	if err == sql.ErrNoRows {
		// Distinguish expired-but-present from absent for the caller's
		// logs; both refuse verification.
		var expires int64
		lookupErr := s.db.QueryRowContext(ctx,
			`SELECT expires FROM verifications WHERE code = $1`, int64(code)).Scan(&expires)
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

func (s *PostgresStore) PurgeExpired(ctx context.Context, now uint32) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE expires < $1`, int64(now)); err != nil {
		return fmt.Errorf("purge expired verifications: %w", err)
	}
	return nil
}
