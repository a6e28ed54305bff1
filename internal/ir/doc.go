// Package ir provides the canonical domain types for cellchain.
//
// This package contains type definitions, their wire encoding, and their
// content-addressed identities. All other internal packages import ir; ir
// imports nothing internal.
//
// Key design constraints:
//   - App entry content is a constrained Value tree: no floats, no null.
//     Its identity uses RFC 8785 canonical JSON.
//   - Headers, ops, and countersigning records are encoded with CBOR Core
//     Deterministic Encoding. Structs that feed a hash are encoded as CBOR
//     arrays so field order is wire order.
//   - Every hash is a BLAKE3 keyed hash with a per-domain key. The same bytes
//     hashed in two domains never produce the same Hash.
package ir
