package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceTemplate_Expand(t *testing.T) {
	rt := ResourceTemplate{URITemplate: "file:///{path}"}

	out, err := rt.Expand(map[string]string{"path": "etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, "file:///etc/hosts", out)
}

func TestResourceTemplate_Expand_MissingVariableIsEmpty(t *testing.T) {
	rt := ResourceTemplate{URITemplate: "weather://{city}/forecast"}

	out, err := rt.Expand(nil)
	require.NoError(t, err)
	assert.Equal(t, "weather:///forecast", out)
}

func TestResourceTemplate_Expand_InvalidTemplateErrors(t *testing.T) {
	rt := ResourceTemplate{URITemplate: "weather://{city"}

	_, err := rt.Expand(map[string]string{"city": "berlin"})
	assert.Error(t, err)
}

func TestResourceTemplate_Varnames(t *testing.T) {
	rt := ResourceTemplate{URITemplate: "repo://{owner}/{repo}/issues/{id}"}

	names, err := rt.Varnames()
	require.NoError(t, err)
	assert.Equal(t, []string{"owner", "repo", "id"}, names)
}

func TestResourceTemplate_Matches(t *testing.T) {
	rt := ResourceTemplate{URITemplate: "repo://{owner}/{repo}/issues/{id}"}

	assert.True(t, rt.Matches("repo://acme/widgets/issues/42"))
	assert.False(t, rt.Matches("repo://acme/widgets/pulls/42"))
}
