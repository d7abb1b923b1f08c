package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/ordo/pkg/schema"
)

// decisionSchemaJSON is the structural JSON Schema every model response must
// satisfy. The per-workflow step-name enum cannot live here; membership is
// checked separately against the canonical step list.
const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ordo.dev/schemas/decision.json",
  "type": "object",
  "required": ["next_step_name"],
  "properties": {
    "next_step_name": {
      "type": "string",
      "minLength": 1
    },
    "updated_context": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["key", "value"],
        "properties": {
          "key": { "type": "string", "minLength": 1 },
          "value": {}
        },
        "additionalProperties": false
      }
    },
    "status_suggestion": {
      "type": ["string", "null"],
      "enum": ["RUNNING", "SUSPENDED", "COMPLETED", "FAILED", null]
    },
    "reasoning": {
      "type": ["string", "null"]
    }
  },
  "additionalProperties": true
}`

var (
	decisionSchemaOnce sync.Once
	decisionSchema     *jsonschema.Schema
	decisionSchemaErr  error
)

func compiledDecisionSchema() (*jsonschema.Schema, error) {
	decisionSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
		if err != nil {
			decisionSchemaErr = fmt.Errorf("unmarshal decision schema: %w", err)
			return
		}
		if err := c.AddResource("https://ordo.dev/schemas/decision.json", doc); err != nil {
			decisionSchemaErr = fmt.Errorf("add decision schema resource: %w", err)
			return
		}
		decisionSchema, decisionSchemaErr = c.Compile("https://ordo.dev/schemas/decision.json")
	})
	return decisionSchema, decisionSchemaErr
}

// ParseDecision validates raw model output against the response schema and
// the workflow's canonical step list, returning the typed decision.
// Every failure maps to AI_INVALID_RESPONSE carrying the raw response.
func ParseDecision(raw []byte, steps []string) (*schema.AIDecision, error) {
	compiled, err := compiledDecisionSchema()
	if err != nil {
		return nil, invalidResponse("decision schema unavailable", raw).WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, invalidResponse("model response is not valid JSON", raw).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, invalidResponse("model response does not match the decision schema", raw).WithCause(err)
	}

	var decision schema.AIDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, invalidResponse("cannot decode model response", raw).WithCause(err)
	}

	if !stepAllowed(decision.NextStepName, steps) {
		return nil, invalidResponse(
			fmt.Sprintf("model chose step %q which is not part of the workflow", decision.NextStepName), raw)
	}
	if decision.StatusSuggestion != "" && !schema.ValidStatus(decision.StatusSuggestion) {
		return nil, invalidResponse(
			fmt.Sprintf("model suggested invalid status %q", decision.StatusSuggestion), raw)
	}
	if decision.UpdatedContext == nil {
		decision.UpdatedContext = []schema.ContextUpdate{}
	}

	return &decision, nil
}

// ValidateDecision applies the step-list and status checks to an already
// typed decision. Used for stub decisions so scripted and real clients obey
// the same contract.
func ValidateDecision(decision *schema.AIDecision, steps []string) error {
	if decision == nil || decision.NextStepName == "" {
		return schema.NewError(schema.ErrCodeAIInvalidResponse, "decision missing next_step_name")
	}
	if !stepAllowed(decision.NextStepName, steps) {
		return schema.NewErrorf(schema.ErrCodeAIInvalidResponse,
			"decision chose step %q which is not part of the workflow", decision.NextStepName)
	}
	if decision.StatusSuggestion != "" && !schema.ValidStatus(decision.StatusSuggestion) {
		return schema.NewErrorf(schema.ErrCodeAIInvalidResponse,
			"decision suggested invalid status %q", decision.StatusSuggestion)
	}
	return nil
}

func stepAllowed(name string, steps []string) bool {
	if name == schema.StepFinish {
		return true
	}
	for _, s := range steps {
		if s == name {
			return true
		}
	}
	return false
}

func invalidResponse(message string, raw []byte) *schema.OrdoError {
	return schema.NewError(schema.ErrCodeAIInvalidResponse, message).
		WithDetails(map[string]any{"raw_response": string(raw)})
}

// responseSchema builds the structured-output schema sent to the model,
// with the workflow's canonical step names (plus FINISH) as the enum for
// next_step_name.
func responseSchema(steps []string) map[string]any {
	enum := make([]string, 0, len(steps)+1)
	enum = append(enum, schema.StepFinish)
	enum = append(enum, steps...)

	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"next_step_name": map[string]any{"type": "STRING", "enum": enum},
			"updated_context": map[string]any{
				"type":     "ARRAY",
				"nullable": true,
				"items": map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"key":   map[string]any{"type": "STRING"},
						"value": map[string]any{"type": "STRING"},
					},
					"required": []string{"key", "value"},
				},
			},
			"status_suggestion": map[string]any{
				"type":     "STRING",
				"enum":     []string{"RUNNING", "SUSPENDED", "COMPLETED", "FAILED"},
				"nullable": true,
			},
			"reasoning": map[string]any{"type": "STRING", "nullable": true},
		},
		"required": []string{"next_step_name"},
	}
}
