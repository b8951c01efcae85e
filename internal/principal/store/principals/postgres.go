package principals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"vigil/internal/principal/ident"
	"vigil/internal/principal/models"
)

// PostgresStore persists principals in PostgreSQL. This store is pure I/O;
// domain rules live in the engine.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs the store and creates the schema if absent.
func NewPostgres(db *sql.DB) (*PostgresStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		state INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create principals table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (models.Principal, error) {
	return scanPrincipal(
		s.db.QueryRowContext(ctx, `SELECT id, email, state FROM principals WHERE id = $1`, id),
		"principal by id",
	)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (models.Principal, error) {
	return scanPrincipal(
		s.db.QueryRowContext(ctx, `SELECT id, email, state FROM principals WHERE email = $1`, email),
		"principal by email",
	)
}

func (s *PostgresStore) Create(ctx context.Context, email string) (models.Principal, error) {
	for {
		id, err := ident.NewID(ctx, ident.IDLength, func(ctx context.Context, candidate string) (bool, error) {
			var one int
			err := s.db.QueryRowContext(ctx, `SELECT 1 FROM principals WHERE id = $1`, candidate).Scan(&one)
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
			`INSERT INTO principals (id, email, state) VALUES ($1, $2, $3)`,
			id, email, int(models.StateNormal))
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				continue
			}
			return models.Principal{}, fmt.Errorf("insert principal: %w", err)
		}
		return models.Principal{ID: id, Email: email, State: models.StateNormal}, nil
	}
}

// SetState uses a conditional UPDATE so the terminal-state check and the
// write cannot be interleaved by another caller.
func (s *PostgresStore) SetState(ctx context.Context, id string, newState models.State) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET state = $1 WHERE id = $2 AND state < $3`,
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

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByState(ctx context.Context, state models.State) ([]models.Principal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, state FROM principals WHERE state = $1`, int(state))
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
