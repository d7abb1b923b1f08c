// Package expressions evaluates the `${{...}}` templates embedded in client
// instructions against a workflow instance's state. Three engines back the
// templates: Expr (default), CEL (`cel:` prefix), and GoJQ (`jq:` prefix).
package expressions

import "context"

// Engine evaluates one expression against a scope map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
