package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	body := []byte(`{
		"model": "gpt-x",
		"stream": true,
		"max_tokens": 512,
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi there"}]}
		],
		"tools": [{"type": "function", "function": {"name": "lookup"}}]
	}`)

	p, err := ParsePayload(body)
	require.NoError(t, err)

	assert.Equal(t, "gpt-x", p.Model)
	assert.True(t, p.Stream)
	assert.Equal(t, 512, p.MaxTokens)
	assert.True(t, p.HasTools())
	assert.Contains(t, p.Text(), "hello")
	assert.Contains(t, p.Text(), "hi there")
}

func TestParsePayloadInvalid(t *testing.T) {
	_, err := ParsePayload([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, ErrInvalidRequest, GetErrorCode(err))
}

func TestHasToolsEmpty(t *testing.T) {
	p, err := ParsePayload([]byte(`{"model":"m","tools":[]}`))
	require.NoError(t, err)
	assert.False(t, p.HasTools())

	p, err = ParsePayload([]byte(`{"model":"m"}`))
	require.NoError(t, err)
	assert.False(t, p.HasTools())
}

func TestWithOverrides(t *testing.T) {
	p, err := ParsePayload([]byte(`{"model":"gpt-x","stream":false,"temperature":0.7,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	out, err := p.WithOverrides("upstream-model-7", true)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "upstream-model-7", m["model"])
	assert.Equal(t, true, m["stream"])
	// 其余字段透传
	assert.Equal(t, 0.7, m["temperature"])
}
