package expressions

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ordo/pkg/schema"
)

func newInterpolator(t *testing.T) *Interpolator {
	t.Helper()
	ip, err := NewInterpolator(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return ip
}

func testInstance() *schema.WorkflowInstance {
	return &schema.WorkflowInstance{
		InstanceID:      "i-1",
		WorkflowName:    "GREET",
		CurrentStepName: "greet",
		Status:          schema.StatusRunning,
		Context: map[string]any{
			"name":  "Ada",
			"count": 3,
			"tags":  []any{"a", "b"},
		},
	}
}

func TestRender_ExprDefault(t *testing.T) {
	ip := newInterpolator(t)
	out := ip.Render(context.Background(), "Hello ${{ context.name }}, step ${{ instance.current_step_name }}.", testInstance())
	assert.Equal(t, "Hello Ada, step greet.", out)
}

func TestRender_CELPrefix(t *testing.T) {
	ip := newInterpolator(t)
	out := ip.Render(context.Background(), "Workflow: ${{cel: workflow }}", testInstance())
	assert.Equal(t, "Workflow: GREET", out)
}

func TestRender_JQPrefix(t *testing.T) {
	ip := newInterpolator(t)
	out := ip.Render(context.Background(), "First tag: ${{jq: .context.tags[0] }}", testInstance())
	assert.Equal(t, "First tag: a", out)
}

func TestRender_NonStringValuesAsJSON(t *testing.T) {
	ip := newInterpolator(t)
	out := ip.Render(context.Background(), "Tags: ${{ context.tags }}", testInstance())
	assert.Equal(t, `Tags: ["a","b"]`, out)
}

func TestRender_UnresolvableKeptVerbatim(t *testing.T) {
	ip := newInterpolator(t)
	out := ip.Render(context.Background(), "Broken ${{jq: !!! }} stays.", testInstance())
	assert.Equal(t, "Broken ${{jq: !!! }} stays.", out)
}

func TestRender_NoPlaceholders(t *testing.T) {
	ip := newInterpolator(t)
	text := "Plain instructions, nothing to do."
	assert.Equal(t, text, ip.Render(context.Background(), text, testInstance()))
}

func TestRender_UnclosedToken(t *testing.T) {
	ip := newInterpolator(t)
	out := ip.Render(context.Background(), "Oops ${{ context.name", testInstance())
	assert.Equal(t, "Oops ${{ context.name", out)
}

func TestEngines_Direct(t *testing.T) {
	ctx := context.Background()
	scope := Scope(testInstance())

	exprEngine := NewExprEngine()
	v, err := exprEngine.Evaluate(ctx, `context.count + 1`, scope)
	require.NoError(t, err)
	assert.EqualValues(t, 4, v)

	celEngine, err := NewCELEngine()
	require.NoError(t, err)
	cv, err := celEngine.Evaluate(ctx, `instance["status"] == "RUNNING"`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, cv)

	jqEngine := NewGoJQEngine()
	jv, err := jqEngine.Evaluate(ctx, `.context | keys | length`, scope)
	require.NoError(t, err)
	assert.EqualValues(t, 3, jv)
}
