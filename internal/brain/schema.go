package brain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quarryhq/quarry/pkg/models"
)

// responseSchema is the contract every brain response must satisfy.
// The kind discriminator selects which payload array is required, and
// each array must be non-empty so an empty plan cannot masquerade as a
// valid one.
const responseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind"],
	"properties": {
		"kind": {"enum": ["work_items", "file_writes", "github_operations", "error"]},
		"work_items": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["work_type"],
				"properties": {
					"work_type": {"type": "string", "minLength": 1},
					"executor_key": {"type": "string"},
					"priority": {"type": "integer", "minimum": 1, "maximum": 10},
					"payload": {"type": "object"}
				}
			}
		},
		"file_writes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["path", "content"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"content": {"type": "string"}
				}
			}
		},
		"github_operations": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["op"],
				"properties": {
					"op": {"type": "string", "minLength": 1},
					"args": {"type": "object"}
				}
			}
		},
		"error": {"type": "string", "minLength": 1},
		"commit_message": {"type": "string"},
		"title": {"type": "string"},
		"body": {"type": "string"}
	},
	"allOf": [
		{"if": {"properties": {"kind": {"const": "work_items"}}}, "then": {"required": ["work_items"]}},
		{"if": {"properties": {"kind": {"const": "file_writes"}}}, "then": {"required": ["file_writes"]}},
		{"if": {"properties": {"kind": {"const": "github_operations"}}}, "then": {"required": ["github_operations"]}},
		{"if": {"properties": {"kind": {"const": "error"}}}, "then": {"required": ["error"]}}
	]
}`

var compiledSchema = jsonschema.MustCompileString("brain_response.json", responseSchema)

// Parse validates raw brain output against the response schema and
// decodes it. Model output is often wrapped in a markdown code fence;
// Parse strips one before validating.
func Parse(raw []byte) (*models.BrainResponse, error) {
	text := stripFence(string(raw))

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("response failed schema validation: %w", err)
	}

	var resp models.BrainResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for i := range resp.WorkItems {
		if resp.WorkItems[i].Priority == 0 {
			resp.WorkItems[i].Priority = models.DefaultPriority
		}
	}
	return &resp, nil
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
