package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cellchain/internal/ir"
)

// Head is the latest header of a source chain.
type Head struct {
	Hash ir.Hash
	Seq  uint32
}

// ChainAppend is one compare-and-swap write to a source chain.
type ChainAppend struct {
	// Expected is the head the header was built on. Nil means the chain
	// must be empty.
	Expected *ir.Hash
	Header   ir.SignedHeader
	// Entry is required when Header.EntryHash is set.
	Entry *ir.Entry
	// Ops are authored ops for the header, queued for publishing.
	Ops []ir.DhtOp
	// LockSubject identifies the countersigning session this write
	// completes. Only such a write passes the author's chain lock, and it
	// releases the lock.
	LockSubject *ir.Hash
	// Now decides whether an existing lock has expired.
	Now ir.Timestamp
}

// ChainRecord is one header of a source chain with its entry.
type ChainRecord struct {
	Hash   ir.Hash
	Header ir.SignedHeader
	Entry  *ir.Entry
}

// AppendHeader writes a header at the head of its author's chain if and
// only if the current head equals a.Expected. On a mismatch it returns a
// *HeadMovedError and writes nothing.
func (s *Store) AppendHeader(ctx context.Context, a ChainAppend) (ir.Hash, error) {
	h := a.Header.Header
	headerHash, err := ir.HashHeader(h)
	if err != nil {
		return ir.Hash{}, fmt.Errorf("append header: %w", err)
	}

	var entryBlob []byte
	switch {
	case h.EntryHash == nil && a.Entry != nil:
		return ir.Hash{}, fmt.Errorf("append header: %s header carries no entry hash", h.Type)
	case h.EntryHash != nil:
		if a.Entry == nil {
			return ir.Hash{}, fmt.Errorf("append header: entry %s missing", h.EntryHash.Short())
		}
		got, err := ir.HashEntry(*a.Entry)
		if err != nil {
			return ir.Hash{}, fmt.Errorf("append header: %w", err)
		}
		if got != *h.EntryHash {
			return ir.Hash{}, fmt.Errorf("append header: entry hash %s does not match header %s", got.Short(), h.EntryHash.Short())
		}
		if entryBlob, err = encodeEntry(*a.Entry); err != nil {
			return ir.Hash{}, fmt.Errorf("append header: %w", err)
		}
	}

	headerBlob, err := ir.Encode(a.Header)
	if err != nil {
		return ir.Hash{}, fmt.Errorf("append header: encode: %w", err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		head, err := tx.chainHead(ctx, h.Author)
		if err != nil {
			return err
		}
		if !sameHead(head, a.Expected) {
			var actual *ir.Hash
			if head != nil {
				actual = &head.Hash
			}
			return &HeadMovedError{Author: h.Author, Expected: a.Expected, Actual: actual}
		}
		if err := checkLink(h, head); err != nil {
			return err
		}
		if err := tx.passLock(ctx, h.Author, a.LockSubject, a.Now); err != nil {
			return err
		}

		if entryBlob != nil {
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO entries (hash, kind, blob) VALUES (?, ?, ?)
				ON CONFLICT(hash) DO NOTHING
			`, h.EntryHash[:], int(a.Entry.Kind), entryBlob); err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
		}

		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO headers (hash, author, seq, type, prev_hash, entry_hash, timestamp, blob)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, headerHash[:], h.Author[:], int64(h.Seq), int(h.Type), optionalBytes(h.PrevHeader),
			optionalBytes(h.EntryHash), int64(h.Timestamp), headerBlob); err != nil {
			return fmt.Errorf("insert header: %w", err)
		}

		for _, op := range a.Ops {
			if err := tx.insertOp(ctx, op, 0, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ir.Hash{}, fmt.Errorf("append header: %w", err)
	}
	return headerHash, nil
}

func sameHead(head *Head, expected *ir.Hash) bool {
	if head == nil || expected == nil {
		return head == nil && expected == nil
	}
	return head.Hash == *expected
}

// checkLink verifies the header claims the position it is written at.
func checkLink(h ir.Header, head *Head) error {
	if head == nil {
		if h.Seq != 0 || h.PrevHeader != nil {
			return fmt.Errorf("first header must have seq 0 and no previous header, got seq %d", h.Seq)
		}
		return nil
	}
	if h.PrevHeader == nil || *h.PrevHeader != head.Hash {
		return fmt.Errorf("header does not link to head %s", head.Hash.Short())
	}
	if h.Seq != head.Seq+1 {
		return fmt.Errorf("header seq %d does not follow head seq %d", h.Seq, head.Seq)
	}
	return nil
}

// ChainHead returns the latest header of author's chain, or nil if the
// chain is empty.
func (s *Store) ChainHead(ctx context.Context, author ir.AgentPubKey) (*Head, error) {
	return chainHead(ctx, s.db, author)
}

func (tx *Tx) chainHead(ctx context.Context, author ir.AgentPubKey) (*Head, error) {
	return chainHead(ctx, tx.tx, author)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func chainHead(ctx context.Context, q queryer, author ir.AgentPubKey) (*Head, error) {
	var raw []byte
	var seq uint32
	err := q.QueryRowContext(ctx, `
		SELECT hash, seq FROM headers WHERE author = ? ORDER BY seq DESC LIMIT 1
	`, author[:]).Scan(&raw, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}
	h, err := scanHash(raw)
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}
	return &Head{Hash: h, Seq: seq}, nil
}

// Chain returns author's chain in sequence order.
func (s *Store) Chain(ctx context.Context, author ir.AgentPubKey) ([]ChainRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.hash, h.blob, e.blob
		FROM headers h LEFT JOIN entries e ON e.hash = h.entry_hash
		WHERE h.author = ?
		ORDER BY h.seq ASC
	`, author[:])
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	defer rows.Close()

	var records []ChainRecord
	for rows.Next() {
		var rawHash, headerBlob, entryBlob []byte
		if err := rows.Scan(&rawHash, &headerBlob, &entryBlob); err != nil {
			return nil, fmt.Errorf("read chain: %w", err)
		}
		rec, err := decodeRecord(rawHash, headerBlob, entryBlob)
		if err != nil {
			return nil, fmt.Errorf("read chain: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	return records, nil
}

// Record returns the header stored under hash with its entry.
func (s *Store) Record(ctx context.Context, hash ir.Hash) (ChainRecord, error) {
	var headerBlob, entryBlob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT h.blob, e.blob
		FROM headers h LEFT JOIN entries e ON e.hash = h.entry_hash
		WHERE h.hash = ?
	`, hash[:]).Scan(&headerBlob, &entryBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainRecord{}, fmt.Errorf("header %s: %w", hash.Short(), ErrNotFound)
	}
	if err != nil {
		return ChainRecord{}, fmt.Errorf("read header: %w", err)
	}
	return decodeRecord(hash[:], headerBlob, entryBlob)
}

// Entry returns the entry stored under hash.
func (s *Store) Entry(ctx context.Context, hash ir.Hash) (ir.Entry, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM entries WHERE hash = ?`, hash[:]).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entry{}, fmt.Errorf("entry %s: %w", hash.Short(), ErrNotFound)
	}
	if err != nil {
		return ir.Entry{}, fmt.Errorf("read entry: %w", err)
	}
	return decodeEntry(blob)
}

func decodeRecord(rawHash, headerBlob, entryBlob []byte) (ChainRecord, error) {
	hash, err := scanHash(rawHash)
	if err != nil {
		return ChainRecord{}, err
	}
	var sh ir.SignedHeader
	if err := ir.Decode(headerBlob, &sh); err != nil {
		return ChainRecord{}, fmt.Errorf("decode header: %w", err)
	}
	rec := ChainRecord{Hash: hash, Header: sh}
	if entryBlob != nil {
		e, err := decodeEntry(entryBlob)
		if err != nil {
			return ChainRecord{}, err
		}
		rec.Entry = &e
	}
	return rec, nil
}
