// Package fingerprint provides content-based identification of code
// changes that survives refactoring operations (renames, moves, minor
// edits).
//
// A fingerprint has two components:
//
//  1. Content hash: SHA-256 of the whitespace-normalized content.
//  2. Context hash: SHA-256 of the normalized surrounding lines
//     (±5 by default).
//
// Lookup tries the content hash first (exact, fastest), then the
// context hash (handles minor edits), then semantic similarity over
// embeddings (handles refactors).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
)

// ContextLines is the default number of lines captured before and after
// a change.
const ContextLines = 5

// SimilarityThreshold is the default minimum cosine similarity for a
// semantic match.
const SimilarityThreshold = 0.82

// Fingerprint identifies a code change by its content and surroundings.
type Fingerprint struct {
	// ContentHash is the hex SHA-256 of the normalized content.
	ContentHash string

	// ContextHash is the hex SHA-256 of the normalized context, or ""
	// when no context was available.
	ContextHash string
}

// Compute builds a fingerprint for the given content and optional
// context block.
func Compute(content, context string) Fingerprint {
	fp := Fingerprint{
		ContentHash: HashContent(content),
	}
	if context != "" {
		fp.ContextHash = HashContent(context)
	}
	return fp
}

// Normalize prepares content for hashing: line endings collapse to \n
// and trailing whitespace is stripped per line. Leading whitespace is
// preserved since indentation is meaningful in most languages.
func Normalize(content string) string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	// A trailing newline in the input would leave an empty final
	// element; drop it so "a\n" and "a" hash identically.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// HashContent returns the hex SHA-256 of the normalized content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// ExtractContext returns the lines around targetLine (0-indexed) in
// fileContent, contextLines before and after, clamped to the file
// bounds. Returns "" when targetLine is out of range.
func ExtractContext(fileContent string, targetLine, contextLines int) string {
	lines := strings.Split(strings.ReplaceAll(fileContent, "\r\n", "\n"), "\n")
	if targetLine < 0 || targetLine >= len(lines) {
		return ""
	}

	start := targetLine - contextLines
	if start < 0 {
		start = 0
	}
	end := targetLine + contextLines + 1
	if end > len(lines) {
		end = len(lines)
	}

	return strings.Join(lines[start:end], "\n")
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Short returns an abbreviated display form, e.g.
// "content:3f2a... context:9b1c...".
func (f Fingerprint) Short() string {
	short := func(h string) string {
		if len(h) > 16 {
			return h[:16]
		}
		return h
	}
	if f.ContextHash == "" {
		return "content:" + short(f.ContentHash)
	}
	return "content:" + short(f.ContentHash) + " context:" + short(f.ContextHash)
}
