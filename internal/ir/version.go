package ir

// Version constants for the wire format and node.
const (
	// WireVersion is the encoding version of headers, ops and countersigning records.
	WireVersion = "1"

	// NodeVersion is the cellchain node version.
	NodeVersion = "0.1.0"
)
