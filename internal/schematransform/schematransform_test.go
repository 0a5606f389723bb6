package schematransform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripSchemaKeys_TopLevel(t *testing.T) {
	in := json.RawMessage(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object"}`)
	out, err := StripSchemaKeys(in)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	_, present := decoded["$schema"]
	assert.False(t, present)
	assert.Equal(t, "object", decoded["type"])
}

func TestStripSchemaKeys_NestedInProperties(t *testing.T) {
	in := json.RawMessage(`{
		"type":"object",
		"properties":{
			"address":{"$schema":"http://json-schema.org/draft-07/schema#","type":"object"}
		}
	}`)
	out, err := StripSchemaKeys(in)
	require.NoError(t, err)
	assert.False(t, containsSchemaKey(t, out))
}

func TestStripSchemaKeys_InsideArray(t *testing.T) {
	in := json.RawMessage(`{
		"anyOf":[
			{"$schema":"http://json-schema.org/draft-07/schema#","type":"string"},
			{"type":"number"}
		]
	}`)
	out, err := StripSchemaKeys(in)
	require.NoError(t, err)
	assert.False(t, containsSchemaKey(t, out))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	anyOf := decoded["anyOf"].([]any)
	require.Len(t, anyOf, 2)
}

func TestStripSchemaKeys_DeeplyNestedMultipleOccurrences(t *testing.T) {
	in := json.RawMessage(`{
		"$schema":"top",
		"properties":{
			"a":{"$schema":"nested-a","properties":{"b":{"$schema":"nested-b"}}},
			"c":[{"$schema":"in-array"}]
		}
	}`)
	out, err := StripSchemaKeys(in)
	require.NoError(t, err)
	assert.False(t, containsSchemaKey(t, out))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Contains(t, decoded, "properties")
}

func TestStripSchemaKeys_NoSchemaKeyIsNoop(t *testing.T) {
	in := json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`)
	out, err := StripSchemaKeys(in)
	require.NoError(t, err)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(in, &a))
	require.NoError(t, json.Unmarshal(out, &b))
	assert.Equal(t, a, b)
}

func TestStripSchemaKeys_EmptyInput(t *testing.T) {
	out, err := StripSchemaKeys(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStripSchemaKeys_InvalidJSON(t *testing.T) {
	_, err := StripSchemaKeys(json.RawMessage(`{not json`))
	require.Error(t, err)
}

func TestVendorHelpers_AllStripSchema(t *testing.T) {
	in := json.RawMessage(`{"$schema":"x","type":"object"}`)

	for _, fn := range []func(json.RawMessage) (json.RawMessage, error){
		ToOpenAIFunctionParameters, ToAnthropicInputSchema, ToGoogleFunctionDeclaration,
	} {
		out, err := fn(in)
		require.NoError(t, err)
		assert.False(t, containsSchemaKey(t, out))
	}
}

// containsSchemaKey does a brute-force recursive scan independent of the
// implementation under test, so a bug in schemaKeyPaths can't also hide
// itself from the assertion.
func containsSchemaKey(t *testing.T, raw json.RawMessage) bool {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	return scanForSchemaKey(v)
}

func scanForSchemaKey(v any) bool {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			if k == "$schema" {
				return true
			}
			if scanForSchemaKey(child) {
				return true
			}
		}
	case []any:
		for _, child := range x {
			if scanForSchemaKey(child) {
				return true
			}
		}
	}
	return false
}
