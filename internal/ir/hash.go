package ir

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values are
// the ASCII domain name, zero-padded. Changing one invalidates every hash in
// that domain.
type domainKey [32]byte

var (
	entryDomainKey   = newDomainKey("cellchain.entry.v1")
	headerDomainKey  = newDomainKey("cellchain.header.v1")
	opDomainKey      = newDomainKey("cellchain.dhtop.v1")
	requestDomainKey = newDomainKey("cellchain.preflight.v1")
	sessionDomainKey = newDomainKey("cellchain.session.v1")
	signingDomainKey = newDomainKey("cellchain.response.v1")
)

func newDomainKey(name string) domainKey {
	var k domainKey
	if len(name) > len(k) {
		panic("ir: domain name too long: " + name)
	}
	copy(k[:], name)
	return k
}

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only possible with a key that is not 32 bytes.
		panic("ir: blake3 keyed hasher: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

func hashEncoded(key domainKey, what string, v any) (Hash, error) {
	data, err := Encode(v)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %s: %w", what, err)
	}
	return keyedHash(key, data), nil
}

// HashEntry computes an entry's content address.
func HashEntry(e Entry) (Hash, error) {
	return hashEncoded(entryDomainKey, "entry", e)
}

// HashHeader computes a header's content address. Authors sign this hash.
func HashHeader(h Header) (Hash, error) {
	return hashEncoded(headerDomainKey, "header", h)
}

// HashOp computes an op's identity from its type and header.
func HashOp(typ DhtOpType, header Hash) Hash {
	buf := make([]byte, 0, 1+len(header))
	buf = append(buf, byte(typ))
	buf = append(buf, header[:]...)
	return keyedHash(opDomainKey, buf)
}

// HashPreflightRequest computes the session identity. Two requests hash
// equal iff every field is equal.
func HashPreflightRequest(r PreflightRequest) (Hash, error) {
	return hashEncoded(requestDomainKey, "preflight request", r)
}

// HashSession computes the hash of the agreed session data.
func HashSession(s CounterSigningSessionData) (Hash, error) {
	return hashEncoded(sessionDomainKey, "session", s)
}

// responseSigningInput is what a participant signs when accepting.
type responseSigningInput struct {
	_ struct{} `cbor:",toarray"`

	RequestHash Hash
	State       CounterSigningAgentState
}

// ResponseSigningBytes returns the message a participant signs for a
// preflight response: a keyed hash over (request hash, agent state).
func ResponseSigningBytes(requestHash Hash, state CounterSigningAgentState) ([]byte, error) {
	h, err := hashEncoded(signingDomainKey, "response", responseSigningInput{RequestHash: requestHash, State: state})
	if err != nil {
		return nil, err
	}
	return h[:], nil
}

// MustHashHeader is like HashHeader but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHashHeader(h Header) Hash {
	hash, err := HashHeader(h)
	if err != nil {
		panic(err)
	}
	return hash
}

// MustHashEntry is like HashEntry but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHashEntry(e Entry) Hash {
	hash, err := HashEntry(e)
	if err != nil {
		panic(err)
	}
	return hash
}
