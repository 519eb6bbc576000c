package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxReferenceRepository implements domain.ReferenceRepository using pgxpool.
type PgxReferenceRepository struct {
	pool *pgxpool.Pool
}

// NewReferenceRepository creates a new PgxReferenceRepository.
func NewReferenceRepository(pool *pgxpool.Pool) *PgxReferenceRepository {
	return &PgxReferenceRepository{pool: pool}
}

// Touch creates an empty entry for code if none exists.
func (r *PgxReferenceRepository) Touch(ctx context.Context, code string) error {
	query := `INSERT INTO reference_credits (code, credits) VALUES ($1, 0) ON CONFLICT (code) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, code)
	return err
}

// Accrue adds amount to the un-redeemed credit of code.
func (r *PgxReferenceRepository) Accrue(ctx context.Context, code string, amount int) error {
	query := `
		INSERT INTO reference_credits (code, credits) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE
		SET credits = reference_credits.credits + EXCLUDED.credits, updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.pool.Exec(ctx, query, code, amount)
	return err
}

// TakeAndClear returns the credit of code and zeroes it in a single statement.
// The row lock taken by the sub-select makes concurrent redemptions see zero.
func (r *PgxReferenceRepository) TakeAndClear(ctx context.Context, code string) (int, error) {
	query := `
		UPDATE reference_credits r
		SET credits = 0, updated_at = CURRENT_TIMESTAMP
		FROM (SELECT code, credits FROM reference_credits WHERE code = $1 FOR UPDATE) old
		WHERE r.code = old.code
		RETURNING old.credits
	`

	var credits int
	err := r.pool.QueryRow(ctx, query, code).Scan(&credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return credits, nil
}

// All returns every entry.
func (r *PgxReferenceRepository) All(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT code, credits FROM reference_credits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var code string
		var credits int
		if err := rows.Scan(&code, &credits); err != nil {
			return nil, err
		}
		out[code] = credits
	}
	return out, rows.Err()
}
