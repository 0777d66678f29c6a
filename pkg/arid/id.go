// Package arid implements the 43-character base64url transaction/data-item
// identifier used throughout the gateway's retrieval pipeline.
package arid

import (
	"encoding/base64"
	"fmt"
)

// Size is the length in bytes of a raw ID.
const Size = 32

// EncodedLen is the length of an ID's canonical base64url (unpadded) string.
const EncodedLen = 43 // base64.RawURLEncoding.EncodedLen(32)

// ID is a 32-byte content identifier for an Arweave transaction or data item.
type ID [Size]byte

// Zero is the zero-value ID, used as a sentinel for "no id".
var Zero ID

// Parse decodes a 43-character base64url string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != EncodedLen {
		return id, fmt.Errorf("arid: invalid id length %d, want %d", len(s), EncodedLen)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("arid: invalid base64url id %q: %w", s, err)
	}
	if len(decoded) != Size {
		return id, fmt.Errorf("arid: decoded id has %d bytes, want %d", len(decoded), Size)
	}
	copy(id[:], decoded)
	return id, nil
}

// MustParse parses s and panics on error; useful for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes builds an ID from a raw 32-byte slice.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("arid: raw id has %d bytes, want %d", len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// String renders the ID as its canonical base64url form.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// Bytes returns a copy of the raw 32 bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}
