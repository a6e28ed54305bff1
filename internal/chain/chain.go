// Package chain authors headers onto the source chains of local agents.
//
// Every write is a compare-and-swap against the author's head (see
// store.AppendHeader). Ordering decides what happens when the head moves
// between reading it and writing: Relaxed rebuilds the header on the new
// head, Strict fails.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/keystore"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

// Ordering is the chain-top ordering policy of a write.
type Ordering int

const (
	// Relaxed writes on whatever the head is at write time.
	Relaxed Ordering = iota + 1
	// Strict writes only if the head is still the one the write was
	// prepared against.
	Strict
)

func (o Ordering) String() string {
	switch o {
	case Relaxed:
		return "relaxed"
	case Strict:
		return "strict"
	default:
		return "unknown"
	}
}

// relaxedAttempts bounds how often a Relaxed write is rebuilt on a moved
// head before giving up.
const relaxedAttempts = 8

// ErrNotInitialized is returned when writing to a chain without genesis.
var ErrNotInitialized = errors.New("chain not initialized")

// Draft describes a header to append.
type Draft struct {
	Agent     ir.AgentPubKey
	Type      ir.HeaderType
	Entry     *ir.Entry
	EntryType *ir.EntryType
	// Original is the header an Update or Delete refers to.
	Original *ir.Hash
	// Timestamp is the header time; zero means the clock's now.
	Timestamp ir.Timestamp
	Ordering  Ordering
	// Expected is the head a Strict write was prepared against. Nil reads
	// the head at write time.
	Expected *store.Head
	// LockSubject lets the write through a countersigning lock it
	// completes.
	LockSubject *ir.Hash
}

// Author writes headers for local agents.
type Author struct {
	store   *store.Store
	keys    *keystore.Keystore
	clock   clock.Clock
	publish trigger.Sender
	logger  *slog.Logger
}

// NewAuthor creates an Author. publish is triggered after every
// successful write so authored ops are sent out.
func NewAuthor(s *store.Store, keys *keystore.Keystore, clk clock.Clock, publish trigger.Sender, logger *slog.Logger) *Author {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Author{store: s, keys: keys, clock: clk, publish: publish, logger: logger}
}

// Store returns the store the author writes to.
func (a *Author) Store() *store.Store { return a.store }

// Genesis writes agent's Init header. It fails if the chain already has
// a header.
func (a *Author) Genesis(ctx context.Context, agent ir.AgentPubKey) (ir.Hash, error) {
	entry := ir.AgentEntry(agent)
	eh, err := ir.HashEntry(entry)
	if err != nil {
		return ir.Hash{}, fmt.Errorf("genesis: %w", err)
	}
	h := ir.Header{
		Type:      ir.HeaderInit,
		Author:    agent,
		Timestamp: ir.TimestampOf(a.clock.Now()),
		EntryHash: &eh,
	}
	hash, err := a.write(ctx, h, &entry, nil, nil)
	if err != nil {
		return ir.Hash{}, fmt.Errorf("genesis %s: %w", agent.Short(), err)
	}
	return hash, nil
}

// Create appends a Create header for app content.
func (a *Author) Create(ctx context.Context, agent ir.AgentPubKey, content ir.Value, et ir.EntryType, ordering Ordering) (ir.Hash, error) {
	entry, err := ir.AppEntry(content)
	if err != nil {
		return ir.Hash{}, err
	}
	return a.Append(ctx, Draft{
		Agent:     agent,
		Type:      ir.HeaderCreate,
		Entry:     &entry,
		EntryType: &et,
		Ordering:  ordering,
	})
}

// Append writes d at the head of d.Agent's chain.
func (a *Author) Append(ctx context.Context, d Draft) (ir.Hash, error) {
	if d.Type == ir.HeaderInit {
		return ir.Hash{}, fmt.Errorf("append: use Genesis for Init headers")
	}
	var eh *ir.Hash
	if d.Entry != nil {
		h, err := ir.HashEntry(*d.Entry)
		if err != nil {
			return ir.Hash{}, fmt.Errorf("append: %w", err)
		}
		eh = &h
	}

	attempts := 1
	if d.Ordering != Strict {
		attempts = relaxedAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		head := d.Expected
		if head == nil || attempt > 1 {
			var err error
			if head, err = a.store.ChainHead(ctx, d.Agent); err != nil {
				return ir.Hash{}, fmt.Errorf("append: %w", err)
			}
		}
		if head == nil {
			return ir.Hash{}, fmt.Errorf("append for %s: %w", d.Agent.Short(), ErrNotInitialized)
		}

		ts := d.Timestamp
		if ts == 0 {
			ts = ir.TimestampOf(a.clock.Now())
		}
		prev := head.Hash
		h := ir.Header{
			Type:       d.Type,
			Author:     d.Agent,
			Timestamp:  ts,
			Seq:        head.Seq + 1,
			PrevHeader: &prev,
			EntryType:  d.EntryType,
			EntryHash:  eh,
			Original:   d.Original,
		}

		hash, err := a.write(ctx, h, d.Entry, &prev, d.LockSubject)
		if err == nil {
			return hash, nil
		}
		if !store.IsHeadMoved(err) {
			return ir.Hash{}, fmt.Errorf("append: %w", err)
		}
		lastErr = err
		if d.Ordering != Strict {
			a.logger.Debug("chain head moved, rebuilding header",
				"agent", d.Agent.Short(),
				"attempt", attempt,
			)
		}
	}
	return ir.Hash{}, fmt.Errorf("append: %w", lastErr)
}

func (a *Author) write(ctx context.Context, h ir.Header, entry *ir.Entry, expected *ir.Hash, lockSubject *ir.Hash) (ir.Hash, error) {
	sh, err := a.Sign(h)
	if err != nil {
		return ir.Hash{}, err
	}
	ops, err := OpsForHeader(sh)
	if err != nil {
		return ir.Hash{}, err
	}
	hash, err := a.store.AppendHeader(ctx, store.ChainAppend{
		Expected:    expected,
		Header:      sh,
		Entry:       entry,
		Ops:         ops,
		LockSubject: lockSubject,
		Now:         ir.TimestampOf(a.clock.Now()),
	})
	if err != nil {
		return ir.Hash{}, err
	}

	a.logger.Debug("header appended",
		"agent", h.Author.Short(),
		"seq", h.Seq,
		"type", h.Type.String(),
		"header", hash.Short(),
	)
	a.publish.Trigger()
	return hash, nil
}

// Sign signs a header with its author's key.
func (a *Author) Sign(h ir.Header) (ir.SignedHeader, error) {
	hash, err := ir.HashHeader(h)
	if err != nil {
		return ir.SignedHeader{}, err
	}
	sig, err := a.keys.Sign(h.Author, hash[:])
	if err != nil {
		return ir.SignedHeader{}, err
	}
	return ir.SignedHeader{Header: h, Signature: sig}, nil
}

// VerifyHeader checks the author's signature on a header.
func VerifyHeader(sh ir.SignedHeader) bool {
	hash, err := ir.HashHeader(sh.Header)
	if err != nil {
		return false
	}
	return keystore.Verify(sh.Header.Author, hash[:], sh.Signature)
}

// OpsForHeader returns the ops a header produces: its record, its agent
// activity, and, for public entries, the entry itself.
func OpsForHeader(sh ir.SignedHeader) ([]ir.DhtOp, error) {
	types := []ir.DhtOpType{ir.OpStoreRecord, ir.OpRegisterAgentActivity}
	h := sh.Header
	if h.EntryHash != nil && (h.EntryType == nil || h.EntryType.Visibility != ir.VisibilityPrivate) {
		types = append(types, ir.OpStoreEntry)
	}
	ops := make([]ir.DhtOp, 0, len(types))
	for _, typ := range types {
		op, err := ir.NewDhtOp(typ, sh)
		if err != nil {
			return nil, fmt.Errorf("ops for header: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
