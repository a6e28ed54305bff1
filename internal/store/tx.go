package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/cellchain/internal/ir"
)

// Tx is one atomic store transaction. It is only valid inside the WithTx
// callback that received it.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn in a single transaction. If fn returns an error the
// transaction is rolled back and nothing fn wrote is visible.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkIntegrated integrates ops in the given order, assigning consecutive
// integrated_seq values after the current maximum. Ops that are already
// integrated are skipped. It returns the number of ops integrated.
func (tx *Tx) MarkIntegrated(ctx context.Context, hashes []ir.Hash, when ir.Timestamp) (int, error) {
	var next int64
	if err := tx.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(integrated_seq), 0) FROM dht_ops`,
	).Scan(&next); err != nil {
		return 0, fmt.Errorf("mark integrated: %w", err)
	}

	integrated := 0
	for _, h := range hashes {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE dht_ops SET integrated_seq = ?, when_integrated = ?
			WHERE hash = ? AND integrated_seq IS NULL AND validation_status IS NOT NULL
		`, next+1, int64(when), h[:])
		if err != nil {
			return integrated, fmt.Errorf("mark integrated %s: %w", h.Short(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return integrated, fmt.Errorf("mark integrated %s: %w", h.Short(), err)
		}
		if n == 1 {
			next++
			integrated++
		}
	}
	return integrated, nil
}

// SetCursor stores a named cursor value.
func (tx *Tx) SetCursor(ctx context.Context, name string, value int64) error {
	return setCursor(ctx, tx.tx, name, value)
}

// Cursor returns a named cursor value, or 0 if it was never set.
func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %q: %w", name, err)
	}
	return v, nil
}

// SetCursor stores a named cursor value.
func (s *Store) SetCursor(ctx context.Context, name string, value int64) error {
	return setCursor(ctx, s.db, name, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setCursor(ctx context.Context, e execer, name string, value int64) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO cursors (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
		WHERE cursors.value != excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("set cursor %q: %w", name, err)
	}
	return nil
}
