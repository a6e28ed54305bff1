package ir

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// Hash is a 32-byte BLAKE3 digest. Entry, header, op and countersigning
// hashes are all this size; the hash domain tells them apart.
type Hash [32]byte

// String returns the lowercase hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string { return h.String()[:8] }

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText implements encoding.TextMarshaler for JSON output.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := decodeFixedHex(s, h[:]); err != nil {
		return Hash{}, fmt.Errorf("parse hash: %w", err)
	}
	return h, nil
}

// AgentPubKey is an agent's Ed25519 public key. It is the agent's identity.
type AgentPubKey [ed25519.PublicKeySize]byte

func (a AgentPubKey) String() string { return hex.EncodeToString(a[:]) }

// Short returns the first 8 hex characters, for logs.
func (a AgentPubKey) Short() string { return a.String()[:8] }

// MarshalText implements encoding.TextMarshaler for JSON output.
func (a AgentPubKey) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AgentPubKey) UnmarshalText(text []byte) error {
	parsed, err := ParseAgentPubKey(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAgentPubKey parses a 64-character hex public key.
func ParseAgentPubKey(s string) (AgentPubKey, error) {
	var a AgentPubKey
	if err := decodeFixedHex(s, a[:]); err != nil {
		return AgentPubKey{}, fmt.Errorf("parse agent key: %w", err)
	}
	return a, nil
}

// Signature is an Ed25519 signature.
type Signature [ed25519.SignatureSize]byte

func decodeFixedHex(s string, dst []byte) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("expected %d hex characters, got %d", hex.EncodedLen(len(dst)), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

// Timestamp is microseconds since the Unix epoch.
type Timestamp int64

// TimestampOf converts a wall-clock time.
func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixMicro()) }

// Time converts back to a time.Time in UTC.
func (t Timestamp) Time() time.Time { return time.UnixMicro(int64(t)).UTC() }

// Add returns t shifted by d.
func (t Timestamp) Add(d time.Duration) Timestamp { return t + Timestamp(d.Microseconds()) }

// Sub returns the duration t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration { return time.Duration(t-u) * time.Microsecond }

// EntryKind distinguishes entry variants.
type EntryKind uint8

const (
	// EntryApp holds app content.
	EntryApp EntryKind = iota + 1
	// EntryCounterSign wraps app content together with the countersigning
	// session that every co-author agreed to.
	EntryCounterSign
	// EntryAgent holds an agent's public key; written at genesis.
	EntryAgent
)

// Entry is the content addressed by a header.
type Entry struct {
	_ struct{} `cbor:",toarray"`

	Kind EntryKind
	// Content is canonical JSON for App and CounterSign entries and the raw
	// key bytes for Agent entries.
	Content []byte
	// Session is set only on CounterSign entries.
	Session *CounterSigningSessionData
}

// AppEntry builds an app entry from content.
func AppEntry(content Value) (Entry, error) {
	data, err := MarshalCanonical(content)
	if err != nil {
		return Entry{}, fmt.Errorf("app entry: %w", err)
	}
	return Entry{Kind: EntryApp, Content: data}, nil
}

// CounterSignEntry wraps content and the agreed session data.
func CounterSignEntry(session CounterSigningSessionData, content Value) (Entry, error) {
	data, err := MarshalCanonical(content)
	if err != nil {
		return Entry{}, fmt.Errorf("countersign entry: %w", err)
	}
	return Entry{Kind: EntryCounterSign, Content: data, Session: &session}, nil
}

// AgentEntry builds the genesis entry for an agent.
func AgentEntry(agent AgentPubKey) Entry {
	return Entry{Kind: EntryAgent, Content: append([]byte(nil), agent[:]...)}
}

// Visibility controls whether an entry is published beyond its author.
type Visibility uint8

const (
	VisibilityPublic Visibility = iota + 1
	VisibilityPrivate
)

// EntryType identifies the app-defined type of an entry.
type EntryType struct {
	_ struct{} `cbor:",toarray"`

	ZomeIndex  uint8
	EntryIndex uint8
	Visibility Visibility
}

// HeaderType distinguishes header variants.
type HeaderType uint8

const (
	HeaderInit HeaderType = iota + 1
	HeaderCreate
	HeaderUpdate
	HeaderDelete
)

func (t HeaderType) String() string {
	switch t {
	case HeaderInit:
		return "Init"
	case HeaderCreate:
		return "Create"
	case HeaderUpdate:
		return "Update"
	case HeaderDelete:
		return "Delete"
	default:
		return fmt.Sprintf("HeaderType(%d)", uint8(t))
	}
}

// Header is one link of an agent's source chain.
// Seq 0 is the Init header and has no PrevHeader.
type Header struct {
	_ struct{} `cbor:",toarray"`

	Type       HeaderType
	Author     AgentPubKey
	Timestamp  Timestamp
	Seq        uint32
	PrevHeader *Hash
	EntryType  *EntryType
	EntryHash  *Hash
	// Original is the header being updated or deleted.
	Original *Hash
}

// SignedHeader is a header with its author's signature over the header hash.
type SignedHeader struct {
	_ struct{} `cbor:",toarray"`

	Header    Header
	Signature Signature
}

// DhtOpType distinguishes the ops produced for each header.
type DhtOpType uint8

const (
	OpStoreRecord DhtOpType = iota + 1
	OpStoreEntry
	OpRegisterAgentActivity
)

func (t DhtOpType) String() string {
	switch t {
	case OpStoreRecord:
		return "StoreRecord"
	case OpStoreEntry:
		return "StoreEntry"
	case OpRegisterAgentActivity:
		return "RegisterAgentActivity"
	default:
		return fmt.Sprintf("DhtOpType(%d)", uint8(t))
	}
}

// DhtOp is the atomic unit of distributed state change.
type DhtOp struct {
	_ struct{} `cbor:",toarray"`

	Type       DhtOpType
	Header     SignedHeader
	HeaderHash Hash
}

// NewDhtOp builds an op of the given type for a signed header.
func NewDhtOp(typ DhtOpType, sh SignedHeader) (DhtOp, error) {
	if typ == OpStoreEntry && sh.Header.EntryHash == nil {
		return DhtOp{}, fmt.Errorf("store entry op for %s header without entry", sh.Header.Type)
	}
	hh, err := HashHeader(sh.Header)
	if err != nil {
		return DhtOp{}, err
	}
	return DhtOp{Type: typ, Header: sh, HeaderHash: hh}, nil
}

// Hash is the op's identity.
func (op DhtOp) Hash() Hash {
	return HashOp(op.Type, op.HeaderHash)
}

// Basis is the address the op is stored under.
func (op DhtOp) Basis() Hash {
	switch op.Type {
	case OpStoreEntry:
		return *op.Header.Header.EntryHash
	case OpRegisterAgentActivity:
		return Hash(op.Header.Header.Author)
	default:
		return op.HeaderHash
	}
}

// Dependency names the op that must be integrated before this one.
type Dependency struct {
	Header Hash
	Type   DhtOpType
}

// Dependency returns the op this op waits on, if any.
//
//   - RegisterAgentActivity waits on the previous header's activity.
//   - StoreEntry waits on the StoreRecord of its own header.
//   - StoreRecord of an Update or Delete waits on the original's StoreRecord.
func (op DhtOp) Dependency() (Dependency, bool) {
	h := op.Header.Header
	switch op.Type {
	case OpRegisterAgentActivity:
		if h.PrevHeader == nil {
			return Dependency{}, false
		}
		return Dependency{Header: *h.PrevHeader, Type: OpRegisterAgentActivity}, true
	case OpStoreEntry:
		return Dependency{Header: op.HeaderHash, Type: OpStoreRecord}, true
	case OpStoreRecord:
		if (h.Type == HeaderUpdate || h.Type == HeaderDelete) && h.Original != nil {
			return Dependency{Header: *h.Original, Type: OpStoreRecord}, true
		}
	}
	return Dependency{}, false
}

// ValidationStatus is the outcome of validating an op.
// Ops with no status are still awaiting validation and are not integrated.
type ValidationStatus uint8

const (
	StatusValid ValidationStatus = iota + 1
	StatusRejected
	StatusAbandoned
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusRejected:
		return "rejected"
	case StatusAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("ValidationStatus(%d)", uint8(s))
	}
}
