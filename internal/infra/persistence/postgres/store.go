// Package postgres implements the position snapshot store on PostgreSQL through pgx.
package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradegate/internal/infra/persistence"
)

// ErrNoPool is returned by stores constructed without a pool.
var ErrNoPool = errors.New("postgres: no connection pool")

// Store groups the PostgreSQL-backed stores over one pool.
type Store struct {
	*persistence.Store
	Positions *PositionStore
}

// New constructs the stores over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), Positions: NewPositionStore(pool)}
}
