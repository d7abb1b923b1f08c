// Package ai implements the orchestrator's AI interaction contract: prompt
// assembly for the three intents, structured-output enforcement, response
// validation, and the error taxonomy for the underlying model transport.
package ai

import (
	"context"

	"github.com/rendis/ordo/pkg/schema"
)

// Intent names one of the three reasons the engine consults the model.
type Intent string

const (
	IntentFirst     Intent = "first"
	IntentNext      Intent = "next"
	IntentReconcile Intent = "reconcile"
)

// Client is the capability contract the engine depends on. Implementations
// must validate responses into AIDecision values before returning them; a
// decision naming a step outside the workflow's canonical list (other than
// FINISH) is an AI_INVALID_RESPONSE, never a decision.
type Client interface {
	// DetermineFirstStep picks the opening step for a new instance.
	DetermineFirstStep(ctx context.Context, blob string, steps []string) (*schema.AIDecision, error)

	// DetermineNextStep picks the step after the one the client just
	// reported on.
	DetermineNextStep(ctx context.Context, blob string, steps []string,
		state *schema.WorkflowInstance, report *schema.Report,
		history []*schema.HistoryEntry) (*schema.AIDecision, error)

	// ReconcileAndDetermineNextStep resolves a disagreement between the
	// persisted step and the step the client assumed at reconnection.
	ReconcileAndDetermineNextStep(ctx context.Context, blob string, steps []string,
		persisted *schema.WorkflowInstance, assumedStep string, report *schema.Report,
		history []*schema.HistoryEntry) (*schema.AIDecision, error)
}
