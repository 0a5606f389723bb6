// Package schematransform implements the one JSON Schema transformation
// this module commits to: recursively stripping `$schema` keys at any
// depth (§8's testable property), plus three narrow vendor-shape helpers
// that lean on the same stripped schema rather than reimplementing the
// tool/function-calling translation layer spec.md places out of scope.
package schematransform

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StripSchemaKeys removes every "$schema" key from raw, at any depth,
// including inside arrays. MCP tool input schemas sometimes carry a
// top-level (or, once composed via $ref/allOf, a nested) "$schema"
// declaration that most downstream model providers reject outright.
func StripSchemaKeys(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("schematransform: invalid JSON input")
	}

	paths := schemaKeyPaths(gjson.ParseBytes(raw), "")
	out := string(raw)
	for i := len(paths) - 1; i >= 0; i-- {
		var err error
		out, err = sjson.Delete(out, paths[i])
		if err != nil {
			return nil, fmt.Errorf("schematransform: deleting %q: %w", paths[i], err)
		}
	}
	return json.RawMessage(out), nil
}

// schemaKeyPaths walks value depth-first and returns the sjson path of
// every object key literally named "$schema", recursing into both object
// values and array elements.
func schemaKeyPaths(value gjson.Result, prefix string) []string {
	var paths []string
	switch {
	case value.IsObject():
		value.ForEach(func(key, v gjson.Result) bool {
			childPath := joinPath(prefix, key.String())
			if key.String() == "$schema" {
				paths = append(paths, childPath)
			} else {
				paths = append(paths, schemaKeyPaths(v, childPath)...)
			}
			return true
		})
	case value.IsArray():
		i := 0
		value.ForEach(func(_, v gjson.Result) bool {
			childPath := fmt.Sprintf("%s.%d", prefix, i)
			paths = append(paths, schemaKeyPaths(v, childPath)...)
			i++
			return true
		})
	}
	return paths
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// ToOpenAIFunctionParameters returns inputSchema with $schema stripped, the
// shape OpenAI's function-calling "parameters" field expects. It performs
// no further translation: anything beyond $schema stripping is out of
// scope.
func ToOpenAIFunctionParameters(inputSchema json.RawMessage) (json.RawMessage, error) {
	return StripSchemaKeys(inputSchema)
}

// ToAnthropicInputSchema returns inputSchema with $schema stripped, the
// shape Anthropic's tool_use "input_schema" field expects.
func ToAnthropicInputSchema(inputSchema json.RawMessage) (json.RawMessage, error) {
	return StripSchemaKeys(inputSchema)
}

// ToGoogleFunctionDeclaration returns inputSchema with $schema stripped,
// the shape Gemini's function-declaration "parameters" field expects
// (Gemini additionally rejects "additionalProperties", which callers strip
// themselves via gjson if needed — left out here to keep this helper
// narrow).
func ToGoogleFunctionDeclaration(inputSchema json.RawMessage) (json.RawMessage, error) {
	return StripSchemaKeys(inputSchema)
}
