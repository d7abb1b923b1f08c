// Package engine implements the orchestration state machine: the start,
// advance, and resume transitions that combine the definition service, the
// persistence repository, and the AI client.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ordo/internal/ai"
	"github.com/rendis/ordo/internal/definition"
	"github.com/rendis/ordo/internal/expressions"
	"github.com/rendis/ordo/internal/logging"
	"github.com/rendis/ordo/internal/store"
	"github.com/rendis/ordo/pkg/schema"
)

// defaultHistoryLimit caps the recent-history slice handed to the model,
// bounding prompt size.
const defaultHistoryLimit = 5

// Deps holds the collaborators an Engine is wired with.
type Deps struct {
	Definitions *definition.Service
	Repo        store.Repository
	AI          ai.Client
	Templates   *expressions.Interpolator // optional; nil disables instruction templating
	Logger      *slog.Logger
	HistoryLimit int
}

// Engine owns all transitions on workflow instances. It is safe for
// concurrent use; transitions on one instance ID are serialized.
type Engine struct {
	defs         *definition.Service
	repo         store.Repository
	ai           ai.Client
	templates    *expressions.Interpolator
	logger       *slog.Logger
	historyLimit int
	locks        *instanceLocks
}

// New creates an Engine from its dependencies.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := deps.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Engine{
		defs:         deps.Definitions,
		repo:         deps.Repo,
		ai:           deps.AI,
		templates:    deps.Templates,
		logger:       logger,
		historyLimit: limit,
		locks:        newInstanceLocks(),
	}
}

// ListWorkflows returns the available workflow definition names.
func (e *Engine) ListWorkflows() []string {
	return e.defs.ListWorkflows()
}

// GetStatus returns the full persisted instance projection.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	return e.repo.GetInstance(ctx, instanceID)
}

// EvictIdleLocks drops per-instance locks idle for at least maxIdle.
// Called by the maintenance loop.
func (e *Engine) EvictIdleLocks(maxIdle time.Duration) int {
	return e.locks.EvictIdle(maxIdle)
}

// Start creates a new instance of the named workflow. The model picks the
// opening step from the definition blob; no history is recorded until the
// client's first advance.
func (e *Engine) Start(ctx context.Context, workflowName string, initialContext map[string]any) (*schema.TransitionResult, error) {
	blob, err := e.defs.GetFullDefinitionBlob(workflowName)
	if err != nil {
		return nil, err
	}
	steps, err := e.defs.GetStepList(workflowName)
	if err != nil {
		return nil, err
	}

	decision, err := e.ai.DetermineFirstStep(ctx, blob, steps)
	if err != nil {
		return nil, err
	}

	instanceID := uuid.New().String()
	ctx = logging.WithIDs(ctx, instanceID, decision.NextStepName, workflowName)

	// AI updates override client-provided keys on conflict.
	workingContext := schema.MergeContext(initialContext, decision.ContextUpdates())

	status := schema.StatusRunning
	switch {
	case decision.NextStepName == schema.StepFinish:
		status = schema.StatusCompleted
	case decision.StatusSuggestion != "":
		status = decision.StatusSuggestion
	}

	now := time.Now().UTC()
	inst := &schema.WorkflowInstance{
		InstanceID:      instanceID,
		WorkflowName:    workflowName,
		CurrentStepName: decision.NextStepName,
		Status:          status,
		Context:         workingContext,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if status == schema.StatusCompleted {
		inst.CompletedAt = &now
	}

	if err := e.repo.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow instance started",
		slog.String("status", string(status)),
	)

	instructions := e.instructionsFor(ctx, inst, decision.NextStepName)
	return &schema.TransitionResult{
		InstanceID:     instanceID,
		NextStep:       schema.NextStep{StepName: decision.NextStepName, Instructions: instructions},
		CurrentContext: schema.CloneContext(workingContext),
	}, nil
}

// Advance records the client's report on the current step and moves the
// instance to the step the model chooses.
func (e *Engine) Advance(ctx context.Context, instanceID string, report *schema.Report, contextUpdates map[string]any) (*schema.TransitionResult, error) {
	return e.transition(ctx, instanceID, "", report, contextUpdates)
}

// Resume reconciles the client's assumed position with the persisted state
// after a disconnect, then advances like a normal transition. The history
// entry records the assumed step under the RESUMING outcome.
func (e *Engine) Resume(ctx context.Context, instanceID, assumedStep string, report *schema.Report, contextUpdates map[string]any) (*schema.TransitionResult, error) {
	return e.transition(ctx, instanceID, assumedStep, report, contextUpdates)
}

// transition is the shared advance/resume body; a non-empty assumedStep
// selects resume semantics.
func (e *Engine) transition(ctx context.Context, instanceID, assumedStep string, report *schema.Report, contextUpdates map[string]any) (*schema.TransitionResult, error) {
	if report == nil {
		report = &schema.Report{}
	}

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	state, err := e.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, instanceID, state.CurrentStepName, state.WorkflowName)

	// Terminal instances answer with their final step and context; nothing
	// is recorded and nothing changes.
	if state.Status.Terminal() {
		e.logger.InfoContext(ctx, "transition on terminal instance ignored",
			slog.String("status", string(state.Status)),
		)
		return e.terminalResult(ctx, state), nil
	}

	// Client updates override persisted keys.
	workingContext := schema.MergeContext(state.Context, contextUpdates)

	resuming := assumedStep != ""
	entry := &schema.HistoryEntry{
		InstanceID:    instanceID,
		StepName:      state.CurrentStepName,
		UserReport:    report.AsMap(),
		OutcomeStatus: report.Status,
	}
	if entry.OutcomeStatus == "" {
		entry.OutcomeStatus = schema.OutcomeUnknown
	}
	if resuming {
		entry.StepName = assumedStep
		entry.OutcomeStatus = schema.OutcomeResuming
	}

	blob, err := e.defs.GetFullDefinitionBlob(state.WorkflowName)
	if err != nil {
		return nil, e.failAndWrap(ctx, state, err)
	}
	steps, err := e.defs.GetStepList(state.WorkflowName)
	if err != nil {
		return nil, e.failAndWrap(ctx, state, err)
	}
	recent, err := e.repo.GetHistory(ctx, instanceID, e.historyLimit)
	if err != nil {
		return nil, e.failAndWrap(ctx, state, err)
	}

	var decision *schema.AIDecision
	if resuming {
		decision, err = e.ai.ReconcileAndDetermineNextStep(ctx, blob, steps, state, assumedStep, report, recent)
	} else {
		decision, err = e.ai.DetermineNextStep(ctx, blob, steps, state, report, recent)
	}
	if err != nil {
		return nil, e.failAndWrap(ctx, state, err)
	}

	// AI updates override client updates.
	workingContext = schema.MergeContext(workingContext, decision.ContextUpdates())

	newStatus := state.Status
	switch {
	case decision.NextStepName == schema.StepFinish:
		newStatus = schema.StatusCompleted
	case decision.StatusSuggestion != "":
		newStatus = decision.StatusSuggestion
	}

	updated := state.Clone()
	updated.CurrentStepName = decision.NextStepName
	updated.Status = newStatus
	updated.Context = workingContext
	entry.DeterminedNextStep = decision.NextStepName

	// One transactional scope: the history append and the instance update
	// land together or not at all.
	if err := e.repo.CommitTransition(ctx, entry, updated); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow instance advanced",
		slog.String("next_step", decision.NextStepName),
		slog.String("status", string(newStatus)),
		slog.Bool("resumed", resuming),
	)

	instructions := e.instructionsFor(ctx, updated, decision.NextStepName)
	return &schema.TransitionResult{
		InstanceID:     instanceID,
		NextStep:       schema.NextStep{StepName: decision.NextStepName, Instructions: instructions},
		CurrentContext: schema.CloneContext(workingContext),
	}, nil
}

// terminalResult reproduces the final answer for a COMPLETED or FAILED
// instance without touching storage.
func (e *Engine) terminalResult(ctx context.Context, state *schema.WorkflowInstance) *schema.TransitionResult {
	stepName := state.CurrentStepName
	instructions := schema.FailureInstructions
	if state.Status == schema.StatusCompleted {
		stepName = schema.StepFinish
		instructions = e.completionInstructions(ctx, state)
	}
	return &schema.TransitionResult{
		InstanceID:     state.InstanceID,
		NextStep:       schema.NextStep{StepName: stepName, Instructions: instructions},
		CurrentContext: schema.CloneContext(state.Context),
	}
}

// instructionsFor loads (and templates) the client instructions for the
// chosen step, honoring terminal statuses.
func (e *Engine) instructionsFor(ctx context.Context, inst *schema.WorkflowInstance, stepName string) string {
	switch inst.Status {
	case schema.StatusCompleted:
		return e.completionInstructions(ctx, inst)
	case schema.StatusFailed:
		return schema.FailureInstructions
	}

	text, err := e.defs.GetStepClientInstructions(inst.WorkflowName, stepName)
	if err != nil {
		// The AI client validated the step, so this means the definition
		// changed under us. Fail the instance rather than hand out steps
		// the workflow no longer has.
		e.logger.ErrorContext(ctx, "instructions unavailable for determined step",
			slog.String("step", stepName),
			slog.String("error", err.Error()),
		)
		e.failInstance(ctx, inst)
		return schema.FailureInstructions
	}
	return e.render(ctx, text, inst)
}

// completionInstructions prefers a workflow-authored FINISH step, falling
// back to the canonical completion string.
func (e *Engine) completionInstructions(ctx context.Context, inst *schema.WorkflowInstance) string {
	text, err := e.defs.GetStepClientInstructions(inst.WorkflowName, schema.StepFinish)
	if err != nil {
		return schema.CompletionInstructions
	}
	return e.render(ctx, text, inst)
}

func (e *Engine) render(ctx context.Context, text string, inst *schema.WorkflowInstance) string {
	if e.templates == nil {
		return text
	}
	return e.templates.Render(ctx, text, inst)
}

// failAndWrap best-effort marks the instance FAILED after a mid-transition
// fault and returns the original error. Persistence faults skip the status
// write, which would fail the same way.
func (e *Engine) failAndWrap(ctx context.Context, state *schema.WorkflowInstance, err error) error {
	var oe *schema.OrdoError
	if errors.As(err, &oe) {
		switch oe.Code {
		case schema.ErrCodePersistenceConnection, schema.ErrCodePersistenceQuery:
			e.logger.WarnContext(ctx, "skipping FAILED status update after persistence error",
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	e.failInstance(ctx, state)
	return err
}

func (e *Engine) failInstance(ctx context.Context, state *schema.WorkflowInstance) {
	if state.Status.Terminal() {
		return
	}
	failed := state.Clone()
	failed.Status = schema.StatusFailed
	if updateErr := e.repo.UpdateInstance(ctx, failed); updateErr != nil {
		e.logger.ErrorContext(ctx, "failed to mark instance FAILED",
			slog.String("error", updateErr.Error()),
		)
		return
	}
	state.Status = schema.StatusFailed
}
