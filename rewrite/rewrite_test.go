package rewrite

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ExactMatchWins(t *testing.T) {
	m := Mapping{"claude-3-opus-20240229": "claude-opus-4-1-20250805", "claude-3-*": "claude-sonnet-4-5-20250929"}
	assert.Equal(t, "claude-opus-4-1-20250805", Resolve(m, "claude-3-opus-20240229"))
}

func TestResolve_GlobMatch(t *testing.T) {
	m := Mapping{"claude-3-5-*": "claude-sonnet-4-5-20250929"}
	assert.Equal(t, "claude-sonnet-4-5-20250929", Resolve(m, "claude-3-5-sonnet-20241022"))
}

func TestResolve_NoMatchReturnsUnchanged(t *testing.T) {
	m := Mapping{"claude-3-5-*": "claude-sonnet-4-5-20250929"}
	assert.Equal(t, "gpt-4o", Resolve(m, "gpt-4o"))
}

func TestResolve_EmptyMappingIsNoop(t *testing.T) {
	assert.Equal(t, "claude-3-opus-20240229", Resolve(nil, "claude-3-opus-20240229"))
}

func TestRequest_GatedByEnabledFlag(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus-20240229"}`)
	m := Mapping{"claude-3-opus-20240229": "claude-opus-4-1-20250805"}
	assert.Equal(t, body, Request(false, m, body))
}

func TestRequest_RewritesTopLevelModel(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus-20240229","max_tokens":1024}`)
	m := Mapping{"claude-3-opus-20240229": "claude-opus-4-1-20250805"}
	out := Request(true, m, body)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "claude-opus-4-1-20250805", doc["model"])
	assert.Equal(t, float64(1024), doc["max_tokens"])
}

func TestRequest_RewritesToolUseBlockName(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-opus-20240229",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "t1", "name": "old_tool", "input": {}},
				{"type": "text", "text": "hello"}
			]}
		]
	}`)
	m := Mapping{"claude-3-opus-20240229": "claude-opus-4-1-20250805", "old_tool": "new_tool"}
	out := Request(true, m, body)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	messages := doc["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	toolBlock := content[0].(map[string]any)
	assert.Equal(t, "new_tool", toolBlock["name"])
	assert.Equal(t, "t1", toolBlock["id"])
	textBlock := content[1].(map[string]any)
	assert.Equal(t, "hello", textBlock["text"])
}
