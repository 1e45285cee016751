package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// txBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// EnsureSchema runs the given DDL once before loading starts.
func EnsureSchema(ctx context.Context, db execer, ddl string) error {
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PostgresCommitter writes each batch in one transaction, sending one statement
// per record in a single pgx.Batch round trip.
type PostgresCommitter[T any] struct {
	db   txBeginner
	stmt string
	args func(T) []any
}

func NewPostgresCommitter[T any](db txBeginner, stmt string, args func(T) []any) (*PostgresCommitter[T], error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if stmt == "" {
		return nil, errors.New("statement is empty")
	}
	if args == nil {
		return nil, errors.New("args func is nil")
	}
	return &PostgresCommitter[T]{db: db, stmt: stmt, args: args}, nil
}

func (c *PostgresCommitter[T]) Commit(ctx context.Context, batch []T) (err error) {
	if len(batch) == 0 {
		return nil
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			// the commit error is what the caller needs to see
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	b := &pgx.Batch{}
	for _, item := range batch {
		b.Queue(c.stmt, c.args(item)...)
	}

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("exec statement %d of %d: %w", i+1, b.Len(), err)
		}
	}
	if err = br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
