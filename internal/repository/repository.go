// Package repository provides data access layer implementations.
//
// Repositories expose both pool-backed methods and transaction-scoped
// methods (those taking a Querier). Multi-step financial operations pass a
// pgx.Tx so locks and writes commit as one unit.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier abstracts over *pgxpool.Pool and pgx.Tx so repository methods can
// run inside or outside an explicit transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
