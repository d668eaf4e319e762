// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of a pgx connection used by read-only catalog
// and ledger queries. *pgx.Conn, pgx.Tx and *pgxpool.Pool all satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB adds transaction control on top of Querier. An operation assumes
// exclusive use of its DB for the operation's duration; do not invoke
// two operations concurrently on the same connection.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// readOnlyTx runs fn inside a transaction that is always rolled back,
// so read paths never leave the connection idle in transaction.
func readOnlyTx(ctx context.Context, db DB, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(tx)
}
