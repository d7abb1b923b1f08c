package ai

import (
	"context"
	"sync"

	"github.com/rendis/ordo/pkg/schema"
)

// scriptKey addresses a scripted decision: the intent plus the input the
// engine keys decisions on (the current/assumed step name; empty for first).
type scriptKey struct {
	intent Intent
	step   string
}

// StubClient is a deterministic Client for tests and offline runs. Decisions
// are scripted per (intent, step name); unscripted calls fall back to simple
// report-driven defaults so the stub stays usable without any setup.
// Scripted errors are consumed once, which lets tests exercise the engine's
// retry-visible failure paths.
type StubClient struct {
	mu       sync.Mutex
	scripts  map[scriptKey]*schema.AIDecision
	failures []error
	calls    int
}

// NewStubClient creates an empty StubClient.
func NewStubClient() *StubClient {
	return &StubClient{scripts: make(map[scriptKey]*schema.AIDecision)}
}

// Script registers the decision returned for the given intent and step name.
// Use step "" for the first-step intent.
func (s *StubClient) Script(intent Intent, step string, decision *schema.AIDecision) *StubClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[scriptKey{intent, step}] = decision
	return s
}

// FailNext queues an error returned (and consumed) by the next call before
// any decision logic runs.
func (s *StubClient) FailNext(err error) *StubClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
	return s
}

// Calls reports how many decisions (including consumed failures) were requested.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubClient) DetermineFirstStep(_ context.Context, _ string, steps []string) (*schema.AIDecision, error) {
	decision, err := s.take(IntentFirst, "")
	if err != nil {
		return nil, err
	}
	if decision == nil {
		// Default: open with the first canonical step.
		first := schema.StepFinish
		if len(steps) > 0 {
			first = steps[0]
		}
		decision = &schema.AIDecision{
			NextStepName:   first,
			UpdatedContext: []schema.ContextUpdate{},
			Reasoning:      "stub: first canonical step",
		}
	}
	if err := ValidateDecision(decision, steps); err != nil {
		return nil, err
	}
	return decision, nil
}

func (s *StubClient) DetermineNextStep(_ context.Context, _ string, steps []string,
	state *schema.WorkflowInstance, report *schema.Report, _ []*schema.HistoryEntry) (*schema.AIDecision, error) {
	decision, err := s.take(IntentNext, state.CurrentStepName)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		decision = s.defaultNext(steps, state, report)
	}
	if err := ValidateDecision(decision, steps); err != nil {
		return nil, err
	}
	return decision, nil
}

func (s *StubClient) ReconcileAndDetermineNextStep(_ context.Context, _ string, steps []string,
	persisted *schema.WorkflowInstance, assumedStep string, report *schema.Report,
	_ []*schema.HistoryEntry) (*schema.AIDecision, error) {
	decision, err := s.take(IntentReconcile, assumedStep)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		// Default reconciliation: trust the persisted step.
		decision = &schema.AIDecision{
			NextStepName:   persisted.CurrentStepName,
			UpdatedContext: []schema.ContextUpdate{},
			Reasoning:      "stub: keeping persisted step",
		}
		if report != nil && report.Status == schema.OutcomeSuccess {
			decision = s.defaultNext(steps, persisted, report)
		}
	}
	if err := ValidateDecision(decision, steps); err != nil {
		return nil, err
	}
	return decision, nil
}

// take consumes one queued failure or looks up the scripted decision.
func (s *StubClient) take(intent Intent, step string) (*schema.AIDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	return s.scripts[scriptKey{intent, step}], nil
}

// defaultNext advances linearly through the canonical step list, finishing
// after the last step; a failure report fails the workflow.
func (s *StubClient) defaultNext(steps []string, state *schema.WorkflowInstance, report *schema.Report) *schema.AIDecision {
	if report != nil && report.Status == schema.OutcomeFailure {
		return &schema.AIDecision{
			NextStepName:     state.CurrentStepName,
			UpdatedContext:   []schema.ContextUpdate{},
			StatusSuggestion: schema.StatusFailed,
			Reasoning:        "stub: report indicated failure",
		}
	}

	next := schema.StepFinish
	for i, step := range steps {
		if step == state.CurrentStepName && i+1 < len(steps) {
			next = steps[i+1]
			break
		}
	}
	return &schema.AIDecision{
		NextStepName:   next,
		UpdatedContext: []schema.ContextUpdate{},
		Reasoning:      "stub: next canonical step",
	}
}
