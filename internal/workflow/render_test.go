package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPayloadDefault(t *testing.T) {
	payload, err := renderPayload("", map[string]interface{}{"topic": "go"}, map[string]interface{}{"score": 7.0})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &m))
	ctx := m["context"].(map[string]interface{})
	prior := m["prior"].(map[string]interface{})
	assert.Equal(t, "go", ctx["topic"])
	assert.Equal(t, 7.0, prior["score"])
}

func TestRenderPayloadTemplate(t *testing.T) {
	payload, err := renderPayload(
		`{"q": "{{.Context.topic}}", "from": "{{.Prior.url}}"}`,
		map[string]interface{}{"topic": "go"},
		map[string]interface{}{"url": "https://example.com"},
	)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "go", m["q"])
	assert.Equal(t, "https://example.com", m["from"])
}

func TestRenderPayloadInvalidJSONRejected(t *testing.T) {
	_, err := renderPayload(`not json at all`, nil, nil)
	assert.Error(t, err)
}

func TestRenderPayloadBadTemplateRejected(t *testing.T) {
	_, err := renderPayload(`{{.Context.`, nil, nil)
	assert.Error(t, err)
}

func TestDecodeResult(t *testing.T) {
	assert.Nil(t, decodeResult(nil))

	m := decodeResult(json.RawMessage(`{"a":1}`))
	assert.Equal(t, 1.0, m["a"])

	m = decodeResult(json.RawMessage(`"plain string"`))
	assert.Equal(t, "plain string", m["value"])

	m = decodeResult(json.RawMessage(`[1,2]`))
	assert.Equal(t, []interface{}{1.0, 2.0}, m["value"])
}
