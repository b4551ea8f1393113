package llm

import (
	"encoding/json"
	"strconv"
	"strings"
)

// degradedConfidence is assigned when the model reply is not valid JSON and
// the raw text is used as the value instead.
const degradedConfidence = 0.4

// FieldAnswer is the structured reply the extraction prompts ask for.
type FieldAnswer struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context"`
}

// rawAnswer tolerates confidence arriving as either a number or a string.
type rawAnswer struct {
	Value      string          `json:"value"`
	Confidence json.RawMessage `json:"confidence"`
	Context    string          `json:"context"`
}

// ParseFieldAnswer parses a model reply into a FieldAnswer. Replies wrapped
// in markdown code fences are unwrapped first. If the reply is not valid
// JSON the raw text becomes the value with a degraded confidence, so a
// malformed reply never aborts the pipeline.
func ParseFieldAnswer(reply string) FieldAnswer {
	text := stripFences(strings.TrimSpace(reply))

	var raw rawAnswer
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return FieldAnswer{Value: text, Confidence: degradedConfidence}
	}

	return FieldAnswer{
		Value:      strings.TrimSpace(raw.Value),
		Confidence: clamp01(parseConfidence(raw.Confidence)),
		Context:    strings.TrimSpace(raw.Context),
	}
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
