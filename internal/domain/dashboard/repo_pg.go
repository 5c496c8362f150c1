package dashboard

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type scalarPG struct {
	pool *pgxpool.Pool
}

func NewScalar(pool *pgxpool.Pool) Scalar {
	return &scalarPG{pool: pool}
}

func (r *scalarPG) Scalar(ctx context.Context, sql string, args ...interface{}) (float64, error) {
	var v float64
	err := r.pool.QueryRow(ctx, sql, args...).Scan(&v)
	return v, err
}
