package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeter_MessageStartSeedsModelAndUsage(t *testing.T) {
	m := NewMeter()
	m.Feed([]byte(`data: {"type":"message_start","message":{"model":"claude-opus-4-1-20250805","usage":{"input_tokens":120,"output_tokens":1,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}` + "\n\n"))

	assert.Equal(t, "claude-opus-4-1-20250805", m.Model())
	assert.Equal(t, int64(120), m.Usage().InputTokens)
}

func TestMeter_MessageDeltaReplacesNotAddsOutputTokens(t *testing.T) {
	m := NewMeter()
	m.Feed([]byte(`data: {"type":"message_start","message":{"model":"claude-opus-4-1-20250805","usage":{"input_tokens":10,"output_tokens":1}}}` + "\n\n"))
	m.Feed([]byte(`data: {"type":"content_block_delta"}` + "\n\n"))
	m.Feed([]byte(`data: {"type":"message_delta","delta":{"usage":{"output_tokens":42}}}` + "\n\n"))

	assert.Equal(t, int64(42), m.Usage().OutputTokens, "message_delta must replace, not add to, output_tokens")
}

func TestMeter_ContentBlockStartSuppliesModelWhenMessageStartDidNot(t *testing.T) {
	m := NewMeter()
	m.Feed([]byte(`data: {"type":"content_block_start","model":"claude-haiku-4-5-20251001"}` + "\n\n"))

	assert.Equal(t, "claude-haiku-4-5-20251001", m.Model())
}

func TestMeter_SecondaryModelSourceDoesNotOverrideMessageStart(t *testing.T) {
	m := NewMeter()
	m.Feed([]byte(`data: {"type":"message_start","message":{"model":"claude-opus-4-1-20250805","usage":{}}}` + "\n\n"))
	m.Feed([]byte(`data: {"type":"message","model":"claude-haiku-4-5-20251001"}` + "\n\n"))

	assert.Equal(t, "claude-opus-4-1-20250805", m.Model(), "a model already known from message_start must not be overwritten")
}

func TestMeter_IgnoresDoneTerminatorAndBlankLines(t *testing.T) {
	m := NewMeter()
	m.Feed([]byte("data: [DONE]\n\n"))
	assert.Equal(t, "unknown", m.Model())
	assert.Equal(t, int64(0), m.Usage().OutputTokens)
}

func TestMeter_MalformedChunkDoesNotPanic(t *testing.T) {
	m := NewMeter()
	assert.NotPanics(t, func() {
		m.Feed([]byte("data: {not json\n\n"))
	})
	assert.Equal(t, "unknown", m.Model())
}

func TestMeter_FeedJSON_NonStreamingResponse(t *testing.T) {
	m := NewMeter()
	m.FeedJSON([]byte(`{"model":"claude-sonnet-4-5-20250929","usage":{"input_tokens":5,"output_tokens":7,"cache_creation_input_tokens":2,"cache_read_input_tokens":3}}`))

	assert.Equal(t, "claude-sonnet-4-5-20250929", m.Model())
	u := m.Usage()
	assert.Equal(t, int64(5), u.InputTokens)
	assert.Equal(t, int64(7), u.OutputTokens)
	assert.Equal(t, int64(2), u.CacheCreationTokens)
	assert.Equal(t, int64(3), u.CacheReadTokens)
}

func TestMeter_OutputTPS_ZeroWhenNoOutputTokens(t *testing.T) {
	m := NewMeter()
	assert.Equal(t, 0.0, m.OutputTPS())
}
