package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cellchain/internal/ir"
)

// ChainLock holds an author's chain for one countersigning session.
// While it is unexpired only the write carrying Subject may append.
type ChainLock struct {
	Author ir.AgentPubKey
	// Subject is the countersigning request hash.
	Subject     ir.Hash
	ChainTop    ir.Hash
	ChainTopSeq uint32
	ExpiresAt   ir.Timestamp
}

// Expired reports whether the lock no longer holds at now.
func (l ChainLock) Expired(now ir.Timestamp) bool {
	return now >= l.ExpiresAt
}

// LockChain locks lock.Author's chain at lock.ChainTop. It fails with a
// *HeadMovedError if the head is not lock.ChainTop and with ErrChainLocked
// if another unexpired session holds the chain. Locking again for the
// same subject refreshes the lock.
func (s *Store) LockChain(ctx context.Context, lock ChainLock, now ir.Timestamp) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		head, err := tx.chainHead(ctx, lock.Author)
		if err != nil {
			return err
		}
		if head == nil || head.Hash != lock.ChainTop || head.Seq != lock.ChainTopSeq {
			var actual *ir.Hash
			if head != nil {
				actual = &head.Hash
			}
			top := lock.ChainTop
			return &HeadMovedError{Author: lock.Author, Expected: &top, Actual: actual}
		}

		existing, err := readLock(ctx, tx.tx, lock.Author)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Expired(now) && existing.Subject != lock.Subject {
			return ErrChainLocked
		}

		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO chain_locks (author, subject, chain_top, chain_top_seq, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(author) DO UPDATE SET
				subject = excluded.subject,
				chain_top = excluded.chain_top,
				chain_top_seq = excluded.chain_top_seq,
				expires_at = excluded.expires_at
		`, lock.Author[:], lock.Subject[:], lock.ChainTop[:], int64(lock.ChainTopSeq), int64(lock.ExpiresAt))
		if err != nil {
			return fmt.Errorf("write lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lock chain %s: %w", lock.Author.Short(), err)
	}
	return nil
}

// ChainLock returns the unexpired lock on author's chain, or nil.
func (s *Store) ChainLock(ctx context.Context, author ir.AgentPubKey, now ir.Timestamp) (*ChainLock, error) {
	lock, err := readLock(ctx, s.db, author)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Expired(now) {
		return nil, nil
	}
	return lock, nil
}

// UnlockChain releases author's lock if it belongs to subject. It reports
// whether a lock was released.
func (s *Store) UnlockChain(ctx context.Context, author ir.AgentPubKey, subject ir.Hash) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chain_locks WHERE author = ? AND subject = ?`, author[:], subject[:])
	if err != nil {
		return false, fmt.Errorf("unlock chain %s: %w", author.Short(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unlock chain %s: %w", author.Short(), err)
	}
	return n > 0, nil
}

// ReleaseExpiredLocks deletes every lock expired at now and returns them.
func (s *Store) ReleaseExpiredLocks(ctx context.Context, now ir.Timestamp) ([]ChainLock, error) {
	var released []ChainLock
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT author, subject, chain_top, chain_top_seq, expires_at
			FROM chain_locks WHERE expires_at <= ? ORDER BY expires_at ASC, author ASC
		`, int64(now))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			lock, err := scanLock(rows)
			if err != nil {
				return err
			}
			released = append(released, lock)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(released) == 0 {
			return nil
		}
		_, err = tx.tx.ExecContext(ctx, `DELETE FROM chain_locks WHERE expires_at <= ?`, int64(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("release expired locks: %w", err)
	}
	return released, nil
}

// NextLockExpiry returns the earliest expiry among held locks.
func (s *Store) NextLockExpiry(ctx context.Context) (ir.Timestamp, bool, error) {
	var at sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(expires_at) FROM chain_locks`).Scan(&at); err != nil {
		return 0, false, fmt.Errorf("next lock expiry: %w", err)
	}
	if !at.Valid {
		return 0, false, nil
	}
	return ir.Timestamp(at.Int64), true, nil
}

// passLock admits a chain write through author's lock, releasing the lock
// when it is expired or when the write completes the locking session.
func (tx *Tx) passLock(ctx context.Context, author ir.AgentPubKey, subject *ir.Hash, now ir.Timestamp) error {
	lock, err := readLock(ctx, tx.tx, author)
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	if !lock.Expired(now) && (subject == nil || *subject != lock.Subject) {
		return ErrChainLocked
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM chain_locks WHERE author = ?`, author[:]); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func readLock(ctx context.Context, q queryer, author ir.AgentPubKey) (*ChainLock, error) {
	row := q.QueryRowContext(ctx, `
		SELECT author, subject, chain_top, chain_top_seq, expires_at
		FROM chain_locks WHERE author = ?
	`, author[:])
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return &lock, nil
}

func scanLock(r rowScanner) (ChainLock, error) {
	var author, subject, top []byte
	var seq uint32
	var expires int64
	if err := r.Scan(&author, &subject, &top, &seq, &expires); err != nil {
		return ChainLock{}, err
	}
	lock := ChainLock{ChainTopSeq: seq, ExpiresAt: ir.Timestamp(expires)}
	if len(author) != len(lock.Author) {
		return ChainLock{}, fmt.Errorf("lock author has %d bytes", len(author))
	}
	copy(lock.Author[:], author)
	var err error
	if lock.Subject, err = scanHash(subject); err != nil {
		return ChainLock{}, err
	}
	if lock.ChainTop, err = scanHash(top); err != nil {
		return ChainLock{}, err
	}
	return lock, nil
}
