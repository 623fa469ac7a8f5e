package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas for the two externally-driven requests. Capture
// comes from editor hooks and BlameByFingerprint from arbitrary
// tooling, so both get structural validation before they touch the
// store.

const captureSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tool_name"],
	"properties": {
		"timestamp": {"type": "string"},
		"session_id": {"type": ["string", "null"]},
		"tool_name": {"type": "string", "minLength": 1},
		"file_path": {"type": ["string", "null"]},
		"operation": {
			"type": "string",
			"enum": ["", "create", "modify", "delete", "move", "copy", "commit", "execute", "unknown"]
		},
		"diff_summary": {"type": ["string", "null"]},
		"raw_input": {"type": ["string", "null"]},
		"git_commit_sha": {"type": ["string", "null"], "pattern": "^[0-9a-f]{7,40}$"},
		"metadata": {"type": ["object", "null"]},
		"content": {"type": "string"},
		"context": {"type": "string"}
	},
	"additionalProperties": false
}`

const blameSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["file_path", "content"],
	"properties": {
		"file_path": {"type": "string", "minLength": 1},
		"line_number": {"type": "integer", "minimum": 0},
		"content": {"type": "string", "minLength": 1},
		"context": {"type": "string"},
		"mode": {"type": "string", "enum": ["", "strict", "best-effort", "inferred"]},
		"timestamp_hint": {"type": "string"}
	},
	"additionalProperties": false
}`

var (
	captureSchema = jsonschema.MustCompileString("capture.json", captureSchemaJSON)
	blameSchema   = jsonschema.MustCompileString("blame.json", blameSchemaJSON)
)

// ValidateCapture checks a Capture payload against its schema.
func ValidateCapture(payload json.RawMessage) error {
	return validate(captureSchema, payload)
}

// ValidateBlame checks a BlameByFingerprint payload against its schema.
func ValidateBlame(payload json.RawMessage) error {
	return validate(blameSchema, payload)
}

func validate(schema *jsonschema.Schema, payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
