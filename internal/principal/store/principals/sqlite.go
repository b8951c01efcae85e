package principals

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"vigil/internal/principal/ident"
	"vigil/internal/principal/models"
	"vigil/internal/platform/sentinel"
)

// SQLiteStore persists principals in SQLite via database/sql. This is the
// default backend: the whole system is single-process, so an embedded store
// keeps deployment to one binary plus one file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite constructs the store and creates the schema if absent.
func NewSQLite(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		state INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create principals table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Open opens (creating if needed) a SQLite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent request load.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (models.Principal, error) {
	return scanPrincipal(
		s.db.QueryRowContext(ctx, `SELECT id, email, state FROM principals WHERE id = ?`, id),
		"principal by id",
	)
}

func (s *SQLiteStore) GetByEmail(ctx context.Context, email string) (models.Principal, error) {
	return scanPrincipal(
		s.db.QueryRowContext(ctx, `SELECT id, email, state FROM principals WHERE email = ?`, email),
		"principal by email",
	)
}

func (s *SQLiteStore) Create(ctx context.Context, email string) (models.Principal, error) {
	for {
		id, err := ident.NewID(ctx, ident.IDLength, func(ctx context.Context, candidate string) (bool, error) {
			var one int
			err := s.db.QueryRowContext(ctx, `SELECT 1 FROM principals WHERE id = ?`, candidate).Scan(&one)
			if err == sql.ErrNoRows {
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("check principal id: %w", err)
			}
			return true, nil
		})
		if err != nil {
			return models.Principal{}, fmt.Errorf("create principal: %w", err)
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO principals (id, email, state) VALUES (?, ?, ?)`,
			id, email, int(models.StateNormal))
		if err != nil {
			// A concurrent creation may have claimed the id between
			// the check and the insert; the primary key catches it
			// and we mint again.
			if isUniqueViolation(err) {
				continue
			}
			return models.Principal{}, fmt.Errorf("insert principal: %w", err)
		}
		return models.Principal{ID: id, Email: email, State: models.StateNormal}, nil
	}
}

// SetState performs the terminal-state check and the write in one conditional
// UPDATE, so no concurrent caller can reinstate a deceased principal between a
// check and a write. Missing principals count as terminal.
func (s *SQLiteStore) SetState(ctx context.Context, id string, newState models.State) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET state = ? WHERE id = ? AND state < ?`,
		int(newState), id, int(models.StateDeceased))
	if err != nil {
		return false, fmt.Errorf("set principal state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set principal state rows: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByState(ctx context.Context, state models.State) ([]models.Principal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, state FROM principals WHERE state = ?`, int(state))
	if err != nil {
		return nil, fmt.Errorf("list principals by state: %w", err)
	}
	defer rows.Close()

	out := []models.Principal{}
	for rows.Next() {
		var p models.Principal
		var st int
		if err := rows.Scan(&p.ID, &p.Email, &st); err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		p.State = models.State(st)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate principals: %w", err)
	}
	return out, nil
}

func scanPrincipal(row *sql.Row, op string) (models.Principal, error) {
	var p models.Principal
	var st int
	err := row.Scan(&p.ID, &p.Email, &st)
	if err == sql.ErrNoRows {
		return models.Principal{}, fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	p.State = models.State(st)
	return p, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_PRIMARYKEY as a
	// formatted error; the constant is not exported alongside the driver.
	return err != nil && strings.Contains(err.Error(), "constraint")
}
