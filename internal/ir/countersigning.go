package ir

import "fmt"

// Role is an opaque, app-defined role a participant plays in a session.
type Role uint8

// SigningAgent is one participant of a countersigning session.
type SigningAgent struct {
	_ struct{} `cbor:",toarray"`

	Agent AgentPubKey
	Roles []Role
}

// SessionTimes is the half-open window [Start, End) of a session.
type SessionTimes struct {
	_ struct{} `cbor:",toarray"`

	Start Timestamp
	End   Timestamp
}

// Contains reports whether t falls inside [Start, End).
func (s SessionTimes) Contains(t Timestamp) bool {
	return t >= s.Start && t < s.End
}

// HeaderBaseKind tags the HeaderBase variants on the wire.
type HeaderBaseKind uint8

const (
	BaseCreate HeaderBaseKind = iota + 1
	BaseUpdate
)

// HeaderBase describes the header operation the participants agree to.
// It is a closed union: CreateBase and UpdateBase are the only variants,
// and every switch over it must cover both.
type HeaderBase interface {
	headerBase() // Sealed
	Kind() HeaderBaseKind
}

// CreateBase agrees to a Create header of the given entry type.
type CreateBase struct {
	EntryType EntryType
}

func (CreateBase) headerBase()          {}
func (CreateBase) Kind() HeaderBaseKind { return BaseCreate }

// UpdateBase agrees to an Update of an existing header and entry.
type UpdateBase struct {
	OriginalHeader Hash
	OriginalEntry  Hash
	EntryType      EntryType
}

func (UpdateBase) headerBase()          {}
func (UpdateBase) Kind() HeaderBaseKind { return BaseUpdate }

// headerBaseWire is the tagged encoding of a HeaderBase.
type headerBaseWire struct {
	_ struct{} `cbor:",toarray"`

	Kind           HeaderBaseKind
	EntryType      EntryType
	OriginalHeader *Hash
	OriginalEntry  *Hash
}

func headerBaseToWire(b HeaderBase) (headerBaseWire, error) {
	switch base := b.(type) {
	case CreateBase:
		return headerBaseWire{Kind: BaseCreate, EntryType: base.EntryType}, nil
	case UpdateBase:
		oh, oe := base.OriginalHeader, base.OriginalEntry
		return headerBaseWire{Kind: BaseUpdate, EntryType: base.EntryType, OriginalHeader: &oh, OriginalEntry: &oe}, nil
	case nil:
		return headerBaseWire{}, fmt.Errorf("header base is required")
	default:
		return headerBaseWire{}, fmt.Errorf("unknown header base %T", b)
	}
}

func headerBaseFromWire(w headerBaseWire) (HeaderBase, error) {
	switch w.Kind {
	case BaseCreate:
		return CreateBase{EntryType: w.EntryType}, nil
	case BaseUpdate:
		if w.OriginalHeader == nil || w.OriginalEntry == nil {
			return nil, fmt.Errorf("update base without original")
		}
		return UpdateBase{OriginalHeader: *w.OriginalHeader, OriginalEntry: *w.OriginalEntry, EntryType: w.EntryType}, nil
	default:
		return nil, fmt.Errorf("unknown header base kind %d", w.Kind)
	}
}

// PreflightRequest is the initiator's proposal. Its fields, in order, are
// the input of the session identity hash; it is never mutated once issued.
type PreflightRequest struct {
	// AppEntryHash is the hash of the app entry every participant will write.
	AppEntryHash Hash
	// SigningAgents is the ordered participant list.
	SigningAgents []SigningAgent
	// PriorSession optionally links this session to an earlier one.
	PriorSession *Hash
	SessionTimes SessionTimes
	HeaderBase   HeaderBase
	// PreflightBytes is opaque to the protocol; it is hashed, never read.
	PreflightBytes []byte
}

type preflightRequestWire struct {
	_ struct{} `cbor:",toarray"`

	AppEntryHash   Hash
	SigningAgents  []SigningAgent
	PriorSession   *Hash
	SessionTimes   SessionTimes
	HeaderBase     headerBaseWire
	PreflightBytes []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (r PreflightRequest) MarshalCBOR() ([]byte, error) {
	base, err := headerBaseToWire(r.HeaderBase)
	if err != nil {
		return nil, fmt.Errorf("preflight request: %w", err)
	}
	return encMode.Marshal(preflightRequestWire{
		AppEntryHash:   r.AppEntryHash,
		SigningAgents:  r.SigningAgents,
		PriorSession:   r.PriorSession,
		SessionTimes:   r.SessionTimes,
		HeaderBase:     base,
		PreflightBytes: r.PreflightBytes,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *PreflightRequest) UnmarshalCBOR(data []byte) error {
	var w preflightRequestWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("preflight request: %w", err)
	}
	base, err := headerBaseFromWire(w.HeaderBase)
	if err != nil {
		return fmt.Errorf("preflight request: %w", err)
	}
	*r = PreflightRequest{
		AppEntryHash:   w.AppEntryHash,
		SigningAgents:  w.SigningAgents,
		PriorSession:   w.PriorSession,
		SessionTimes:   w.SessionTimes,
		HeaderBase:     base,
		PreflightBytes: w.PreflightBytes,
	}
	return nil
}

// AgentIndex returns the position of agent in the participant list.
func (r PreflightRequest) AgentIndex(agent AgentPubKey) (int, bool) {
	for i, sa := range r.SigningAgents {
		if sa.Agent == agent {
			return i, true
		}
	}
	return 0, false
}

// CounterSigningAgentState is one participant's chain position when it
// accepted: the header its countersigned header must directly follow.
type CounterSigningAgentState struct {
	_ struct{} `cbor:",toarray"`

	AgentIndex  uint8
	ChainTop    Hash
	ChainTopSeq uint32
}

// PreflightResponse is a participant's signed acceptance. The signature
// covers (request hash, agent state).
type PreflightResponse struct {
	_ struct{} `cbor:",toarray"`

	Request    PreflightRequest
	AgentState CounterSigningAgentState
	Signature  Signature
}

// SignedAgentState is an agent state with its owner's signature.
type SignedAgentState struct {
	_ struct{} `cbor:",toarray"`

	State     CounterSigningAgentState
	Signature Signature
}

// CounterSigningSessionData is the atomic-commit record every participant
// derives from the same response set. AgentStates is ordered by
// participant index, never by arrival.
type CounterSigningSessionData struct {
	_ struct{} `cbor:",toarray"`

	Request     PreflightRequest
	AgentStates []SignedAgentState
}

// PreflightRequestAcceptance is the local record of an accepted request.
// While it is held the author's chain only accepts the countersigned write.
type PreflightRequestAcceptance struct {
	Agent       AgentPubKey
	RequestHash Hash
	ChainTop    Hash
	ChainTopSeq uint32
	ExpiresAt   Timestamp
}
