package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// stageData is the rendering context for a stage's payload template:
// the run's accumulated context plus the prior stage's decoded result.
type stageData struct {
	Context map[string]interface{}
	Prior   map[string]interface{}
}

// renderPayload materializes a stage's task payload. An empty template
// produces a JSON object carrying the run context and prior result as-is.
func renderPayload(tmplSrc string, runContext, prior map[string]interface{}) (json.RawMessage, error) {
	if tmplSrc == "" {
		payload, err := json.Marshal(map[string]interface{}{
			"context": runContext,
			"prior":   prior,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal default payload: %w", err)
		}
		return payload, nil
	}

	tmpl, err := template.New("payload").Option("missingkey=zero").Parse(tmplSrc)
	if err != nil {
		return nil, fmt.Errorf("parse payload template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, stageData{Context: runContext, Prior: prior}); err != nil {
		return nil, fmt.Errorf("render payload template: %w", err)
	}

	rendered := buf.Bytes()
	if !json.Valid(rendered) {
		return nil, fmt.Errorf("rendered payload is not valid JSON")
	}
	return json.RawMessage(rendered), nil
}

// decodeResult turns a stage task's result payload into a rendering map.
// Non-object results are wrapped under "value".
func decodeResult(result json.RawMessage) map[string]interface{} {
	if len(result) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(result, &m); err == nil {
		return m
	}
	var v interface{}
	if err := json.Unmarshal(result, &v); err == nil {
		return map[string]interface{}{"value": v}
	}
	return map[string]interface{}{"value": string(result)}
}
