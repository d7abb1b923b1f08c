package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/ordo/pkg/schema"
)

// Interpolator resolves ${{...}} placeholders in client-instruction text
// against a workflow instance. The default engine is Expr; "cel:" and "jq:"
// prefixes select the other engines. Instructions must never fail a
// transition, so an unresolvable placeholder is left as literal text and
// logged at Warn.
type Interpolator struct {
	exprEngine Engine
	celEngine  Engine
	jqEngine   Engine
	logger     *slog.Logger
}

// NewInterpolator builds an Interpolator with all three engines ready.
func NewInterpolator(logger *slog.Logger) (*Interpolator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Interpolator{
		exprEngine: NewExprEngine(),
		celEngine:  celEngine,
		jqEngine:   NewGoJQEngine(),
		logger:     logger,
	}, nil
}

// Scope builds the evaluation scope for an instance: the context map, a
// read-only instance projection, and the workflow name.
func Scope(inst *schema.WorkflowInstance) map[string]any {
	ctxMap := schema.CloneContext(inst.Context)
	return map[string]any{
		"context": ctxMap,
		"instance": map[string]any{
			"instance_id":       inst.InstanceID,
			"workflow_name":     inst.WorkflowName,
			"current_step_name": inst.CurrentStepName,
			"status":            string(inst.Status),
		},
		"workflow": inst.WorkflowName,
	}
}

// Render substitutes every ${{...}} placeholder in text. Placeholders that
// fail to parse or evaluate are kept verbatim.
func (ip *Interpolator) Render(ctx context.Context, text string, inst *schema.WorkflowInstance) string {
	if !strings.Contains(text, "${{") {
		return text
	}

	scope := Scope(inst)
	var out strings.Builder
	out.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "${{")
		if idx == -1 {
			out.WriteString(text[i:])
			break
		}
		out.WriteString(text[i : i+idx])

		start := i + idx + 3
		end := strings.Index(text[start:], "}}")
		if end == -1 {
			// Unclosed token: emit the rest verbatim.
			out.WriteString(text[i+idx:])
			break
		}
		end += start

		token := text[i+idx : end+2]
		expression := strings.TrimSpace(text[start:end])

		val, err := ip.evaluate(ctx, expression, scope)
		if err != nil {
			ip.logger.WarnContext(ctx, "instruction template left unresolved",
				slog.String("expression", expression),
				slog.String("error", err.Error()),
			)
			out.WriteString(token)
		} else {
			out.WriteString(inline(val))
		}
		i = end + 2
	}

	return out.String()
}

func (ip *Interpolator) evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty template expression")
	}
	switch {
	case strings.HasPrefix(expression, "cel:"):
		return ip.celEngine.Evaluate(ctx, strings.TrimSpace(expression[4:]), scope)
	case strings.HasPrefix(expression, "jq:"):
		return ip.jqEngine.Evaluate(ctx, strings.TrimSpace(expression[3:]), scope)
	default:
		return ip.exprEngine.Evaluate(ctx, expression, scope)
	}
}

// inline renders a resolved value for embedding in prose: strings go in
// bare, everything else as compact JSON.
func inline(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
