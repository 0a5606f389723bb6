package mcp

import (
	"encoding/json"

	"github.com/fyrsmithlabs/mcpclient/internal/schematransform"
)

// OpenAIParameters returns t.InputSchema with every "$schema" key stripped,
// the shape OpenAI's function-calling "parameters" field expects.
func (t Tool) OpenAIParameters() (json.RawMessage, error) {
	return schematransform.ToOpenAIFunctionParameters(t.InputSchema)
}

// AnthropicInputSchema returns t.InputSchema with every "$schema" key
// stripped, the shape Anthropic's tool_use "input_schema" field expects.
func (t Tool) AnthropicInputSchema() (json.RawMessage, error) {
	return schematransform.ToAnthropicInputSchema(t.InputSchema)
}

// GoogleFunctionDeclaration returns t.InputSchema with every "$schema" key
// stripped, the shape Gemini's function-declaration "parameters" field
// expects.
func (t Tool) GoogleFunctionDeclaration() (json.RawMessage, error) {
	return schematransform.ToGoogleFunctionDeclaration(t.InputSchema)
}
