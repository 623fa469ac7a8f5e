// Package ingest parses assistant conversation archives
// (projects/*/*.jsonl under the archive directory) into exchanges,
// resuming each archive from a persisted byte offset so re-runs only
// read new lines.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// toolResultMaxBytes caps tool output kept in exchange text.
	toolResultMaxBytes = 200

	// embedUserMaxBytes / embedAssistantMaxBytes cap the two sides of
	// the text handed to the embedding model.
	embedUserMaxBytes      = 1000
	embedAssistantMaxBytes = 900
)

// rawMessage is one JSONL line of an archive.
type rawMessage struct {
	Type      string          `json:"type"`
	Message   *messageContent `json:"message"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	GitBranch string          `json:"gitBranch"`
	UUID      string          `json:"uuid"`
}

type messageContent struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Content  json.RawMessage `json:"content"`
}

// extractText flattens message content, which is either a plain string
// or an array of typed blocks. Thinking blocks are dropped; tool use
// and results are kept as short markers.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "thinking":
			// Internal reasoning stays out of the index.
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[Tool: %s]", b.Name))
		case "tool_result":
			var result string
			if err := json.Unmarshal(b.Content, &result); err == nil && result != "" {
				if len(result) > toolResultMaxBytes {
					result = SafeTruncate(result, toolResultMaxBytes) + "..."
				}
				parts = append(parts, fmt.Sprintf("[Result: %s]", result))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// extractToolCalls returns the tool names used in assistant content as
// a JSON array, or "" when none.
func extractToolCalls(content json.RawMessage) string {
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}

	var names []string
	for _, b := range blocks {
		if b.Type == "tool_use" && b.Name != "" {
			names = append(names, b.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	out, err := json.Marshal(names)
	if err != nil {
		return ""
	}
	return string(out)
}

// SafeTruncate cuts s to at most maxBytes without splitting a rune.
func SafeTruncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	end := maxBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// BuildEmbedText assembles the text embedded for an exchange, capped
// to fit small embedding model contexts.
func BuildEmbedText(userText, assistantText string) string {
	if len(userText) > embedUserMaxBytes {
		userText = SafeTruncate(userText, embedUserMaxBytes) + "..."
	}
	if len(assistantText) > embedAssistantMaxBytes {
		assistantText = SafeTruncate(assistantText, embedAssistantMaxBytes) + "..."
	}
	return fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)
}
