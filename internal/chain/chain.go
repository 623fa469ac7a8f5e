// Package chain implements SHA-256 hash chaining over captured events.
//
// Each event's hash covers a canonical serialization of the event plus
// the previous event's hash, so any out-of-band modification of a
// committed row is detectable. This is tamper detection, not tamper
// prevention: an attacker with database access could recompute the
// whole chain. Signed checkpoints raise the bar when a signing key is
// configured.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the all-zero previous hash of the first event.
var GenesisHash = [32]byte{}

// GenesisHex is the hex form of the genesis hash.
const GenesisHex = "0000000000000000000000000000000000000000000000000000000000000000"

// HashInput holds the event fields covered by the chain hash.
// prev_hash and event_hash are deliberately excluded.
type HashInput struct {
	ID           int64
	Timestamp    string
	ToolName     string
	FilePath     *string
	Operation    string
	DiffSummary  *string
	RawInput     *string
	SessionID    *string
	GitCommitSHA *string
	Metadata     *string
}

// canonicalEvent is the wire shape of the canonical serialization.
// Field order is the sorted key order; encoding/json emits struct
// fields in declaration order, which keeps the bytes stable.
type canonicalEvent struct {
	DiffSummary  *string `json:"diff_summary"`
	FilePath     *string `json:"file_path"`
	GitCommitSHA *string `json:"git_commit_sha"`
	ID           int64   `json:"id"`
	Metadata     *string `json:"metadata"`
	Operation    string  `json:"operation"`
	RawInput     *string `json:"raw_input"`
	SessionID    *string `json:"session_id"`
	Timestamp    string  `json:"timestamp"`
	ToolName     string  `json:"tool_name"`
}

// Canonical returns the canonical JSON bytes of the hash input:
// sorted keys, no extra whitespace, explicit nulls for absent fields.
func Canonical(in HashInput) ([]byte, error) {
	data, err := json.Marshal(canonicalEvent{
		DiffSummary:  in.DiffSummary,
		FilePath:     in.FilePath,
		GitCommitSHA: in.GitCommitSHA,
		ID:           in.ID,
		Metadata:     in.Metadata,
		Operation:    in.Operation,
		RawInput:     in.RawInput,
		SessionID:    in.SessionID,
		Timestamp:    in.Timestamp,
		ToolName:     in.ToolName,
	})
	if err != nil {
		return nil, fmt.Errorf("canonical serialize event %d: %w", in.ID, err)
	}
	return data, nil
}

// ComputeEventHash computes SHA256(canonical ‖ prevHash) for an event.
func ComputeEventHash(in HashInput, prevHash [32]byte) ([32]byte, error) {
	canonical, err := Canonical(in)
	if err != nil {
		return [32]byte{}, err
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write(prevHash[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// FormatHash renders a hash as a 64-char hex string.
func FormatHash(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// FormatHashShort renders the first 8 hex chars for compact display.
func FormatHashShort(hash [32]byte) string {
	return hex.EncodeToString(hash[:4]) + "..."
}

// ParseHash decodes a 64-char hex hash string.
func ParseHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse hash: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("parse hash: expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// HashFromBytes converts a raw 32-byte slice into a hash value.
func HashFromBytes(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("hash bytes: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
