package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/cellchain/internal/ir"
)

// OpRecord is a stored DhtOp with its validation and integration state.
type OpRecord struct {
	// Seq is the insertion order.
	Seq  int64
	Hash ir.Hash
	Op   ir.DhtOp
	// Dependency is the hash of the op this one waits on, if any.
	Dependency *ir.Hash
	// Status is zero while the op awaits validation.
	Status ir.ValidationStatus
	// IntegratedSeq is zero until the op is integrated.
	IntegratedSeq  int64
	WhenIntegrated ir.Timestamp
	Authored       bool
	Published      bool
}

// Integrated reports whether the op has been integrated.
func (r OpRecord) Integrated() bool { return r.IntegratedSeq > 0 }

// DependencyHash returns the identity of the op that op depends on.
func DependencyHash(op ir.DhtOp) (ir.Hash, bool) {
	dep, ok := op.Dependency()
	if !ok {
		return ir.Hash{}, false
	}
	return ir.HashOp(dep.Type, dep.Header), true
}

const opColumns = `seq, hash, blob, dep_hash, validation_status, integrated_seq, when_integrated, authored, published`

// InsertOps stores ops received for validation or integration. A zero
// status leaves the ops awaiting validation. Ops already stored keep
// their row; an unset status is filled in. It returns how many ops were
// new.
func (s *Store) InsertOps(ctx context.Context, ops []ir.DhtOp, status ir.ValidationStatus) (int, error) {
	before, err := s.opCount(ctx)
	if err != nil {
		return 0, err
	}
	err = s.WithTx(ctx, func(tx *Tx) error {
		for _, op := range ops {
			if err := tx.insertOp(ctx, op, status, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert ops: %w", err)
	}
	after, err := s.opCount(ctx)
	if err != nil {
		return 0, err
	}
	return int(after - before), nil
}

func (s *Store) opCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dht_ops`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ops: %w", err)
	}
	return n, nil
}

func (tx *Tx) insertOp(ctx context.Context, op ir.DhtOp, status ir.ValidationStatus, authored bool) error {
	blob, err := ir.Encode(op)
	if err != nil {
		return fmt.Errorf("encode op: %w", err)
	}
	hash := op.Hash()
	basis := op.Basis()
	var dep any
	if h, ok := DependencyHash(op); ok {
		dep = h[:]
	}
	var statusArg any
	if status != 0 {
		statusArg = int(status)
	}
	author := op.Header.Header.Author

	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO dht_ops (hash, type, header_hash, basis, author, dep_hash, validation_status, authored, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET validation_status = excluded.validation_status
		WHERE dht_ops.validation_status IS NULL AND excluded.validation_status IS NOT NULL
	`, hash[:], int(op.Type), op.HeaderHash[:], basis[:], author[:], dep, statusArg, authored, blob)
	if err != nil {
		return fmt.Errorf("insert op %s: %w", hash.Short(), err)
	}
	return nil
}

// SetValidationStatus records the validation outcome of an op.
func (s *Store) SetValidationStatus(ctx context.Context, hash ir.Hash, status ir.ValidationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dht_ops SET validation_status = ? WHERE hash = ?`, int(status), hash[:])
	if err != nil {
		return fmt.Errorf("set validation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set validation status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op %s: %w", hash.Short(), ErrNotFound)
	}
	return nil
}

// PendingIntegration returns up to limit validated ops that are not yet
// integrated. Ops whose dependency is missing or still awaiting validation
// are left out: no pass could integrate them.
//
// Ready ops, those without a dependency or whose dependency is already
// integrated, come first, each group in insertion order. A batch therefore
// holds an integrable op whenever the store does, however the ops arrived.
// truncated reports whether more remain.
func (s *Store) PendingIntegration(ctx context.Context, limit int) (ops []OpRecord, truncated bool, err error) {
	ops, err = s.queryOps(ctx, `
		SELECT `+opColumns+` FROM dht_ops o
		WHERE o.integrated_seq IS NULL AND o.validation_status IS NOT NULL
		AND (o.dep_hash IS NULL OR EXISTS (
			SELECT 1 FROM dht_ops d WHERE d.hash = o.dep_hash AND d.validation_status IS NOT NULL
		))
		ORDER BY CASE WHEN o.dep_hash IS NULL OR EXISTS (
			SELECT 1 FROM dht_ops d WHERE d.hash = o.dep_hash AND d.integrated_seq IS NOT NULL
		) THEN 0 ELSE 1 END, o.seq ASC
		LIMIT ?
	`, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("pending integration: %w", err)
	}
	if len(ops) > limit {
		return ops[:limit], true, nil
	}
	return ops, false, nil
}

// IntegratedAmong returns which of the given op hashes are integrated.
func (s *Store) IntegratedAmong(ctx context.Context, hashes []ir.Hash) (map[ir.Hash]bool, error) {
	found := make(map[ir.Hash]bool, len(hashes))
	const chunk = 500
	for start := 0; start < len(hashes); start += chunk {
		part := hashes[start:min(start+chunk, len(hashes))]
		args := make([]any, len(part))
		for i, h := range part {
			args[i] = h[:]
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT hash FROM dht_ops
			WHERE integrated_seq IS NOT NULL AND hash IN (`+placeholders(len(part))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("integrated dependencies: %w", err)
		}
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return nil, fmt.Errorf("integrated dependencies: %w", err)
			}
			h, err := scanHash(raw)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("integrated dependencies: %w", err)
			}
			found[h] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("integrated dependencies: %w", err)
		}
	}
	return found, nil
}

// UnpublishedOps returns up to limit authored ops not yet published.
func (s *Store) UnpublishedOps(ctx context.Context, limit int) ([]OpRecord, error) {
	ops, err := s.queryOps(ctx, `
		SELECT `+opColumns+` FROM dht_ops
		WHERE authored = 1 AND published = 0
		ORDER BY seq ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("unpublished ops: %w", err)
	}
	return ops, nil
}

// MarkPublished removes ops from the outgoing queue.
func (s *Store) MarkPublished(ctx context.Context, hashes []ir.Hash) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, h := range hashes {
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE dht_ops SET published = 1 WHERE hash = ? AND published = 0`, h[:]); err != nil {
				return fmt.Errorf("mark published %s: %w", h.Short(), err)
			}
		}
		return nil
	})
}

// OpsIntegratedAfter returns up to limit ops with integrated_seq > after,
// in integration order.
func (s *Store) OpsIntegratedAfter(ctx context.Context, after int64, limit int) ([]OpRecord, error) {
	ops, err := s.queryOps(ctx, `
		SELECT `+opColumns+` FROM dht_ops
		WHERE integrated_seq > ?
		ORDER BY integrated_seq ASC LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("ops integrated after %d: %w", after, err)
	}
	return ops, nil
}

// Op returns the op stored under hash.
func (s *Store) Op(ctx context.Context, hash ir.Hash) (OpRecord, error) {
	ops, err := s.queryOps(ctx, `SELECT `+opColumns+` FROM dht_ops WHERE hash = ?`, hash[:])
	if err != nil {
		return OpRecord{}, fmt.Errorf("read op: %w", err)
	}
	if len(ops) == 0 {
		return OpRecord{}, fmt.Errorf("op %s: %w", hash.Short(), ErrNotFound)
	}
	return ops[0], nil
}

// OpFilter narrows Ops.
type OpFilter struct {
	Author *ir.AgentPubKey
	// Pending selects ops that are not yet integrated.
	Pending bool
}

// Ops lists stored ops in insertion order.
func (s *Store) Ops(ctx context.Context, f OpFilter) ([]OpRecord, error) {
	var where []string
	var args []any
	if f.Author != nil {
		where = append(where, "author = ?")
		args = append(args, f.Author[:])
	}
	if f.Pending {
		where = append(where, "integrated_seq IS NULL")
	}
	query := `SELECT ` + opColumns + ` FROM dht_ops`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`

	ops, err := s.queryOps(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ops: %w", err)
	}
	return ops, nil
}

func (s *Store) queryOps(ctx context.Context, query string, args ...any) ([]OpRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OpRecord
	for rows.Next() {
		rec, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, rec)
	}
	return ops, rows.Err()
}

func scanOp(r rowScanner) (OpRecord, error) {
	var (
		rec                OpRecord
		rawHash, blob, dep []byte
		status, integrated sql.NullInt64
		whenIntegrated     sql.NullInt64
	)
	if err := r.Scan(&rec.Seq, &rawHash, &blob, &dep, &status, &integrated, &whenIntegrated, &rec.Authored, &rec.Published); err != nil {
		return OpRecord{}, err
	}
	var err error
	if rec.Hash, err = scanHash(rawHash); err != nil {
		return OpRecord{}, err
	}
	if rec.Dependency, err = scanOptionalHash(dep); err != nil {
		return OpRecord{}, err
	}
	if err := ir.Decode(blob, &rec.Op); err != nil {
		return OpRecord{}, fmt.Errorf("decode op %s: %w", rec.Hash.Short(), err)
	}
	rec.Status = ir.ValidationStatus(status.Int64)
	rec.IntegratedSeq = integrated.Int64
	rec.WhenIntegrated = ir.Timestamp(whenIntegrated.Int64)
	return rec, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
