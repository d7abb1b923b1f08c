package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/ordo/pkg/schema"
)

// rolePreamble obligates the model to JSON-only output and to obeying the
// per-step orchestrator guidance.
const rolePreamble = "SYSTEM: You are a Workflow Orchestrator Assistant. Your goal is to determine " +
	"the next logical step in a workflow based on the provided definition, current state, user report, " +
	"and history. You MUST pay close attention to the '# Orchestrator Guidance' section within each step " +
	"definition. Your output MUST be a single JSON object matching the provided schema. When determining " +
	"the next_step_name, match the intended step from the guidance flexibly, ignoring differences in case " +
	"or underscores, and select the exact step name from the schema's enum. You MUST NOT suggest the " +
	"status COMPLETED or FAILED unless no valid transition remains according to the Orchestrator Guidance; " +
	"when the guidance names a next step or a conditional transition, suggest the status RUNNING."

const schemaReminder = "Output ONLY the JSON object matching the provided schema: " +
	`{"next_step_name": string, "updated_context": [{"key": string, "value": string}], ` +
	`"status_suggestion": string|null, "reasoning": string|null}.`

// promptInput carries the optional sections of a prompt; which are present
// depends on the intent.
type promptInput struct {
	state       *schema.WorkflowInstance // current state (next) or persisted state (reconcile)
	assumedStep string                   // reconcile only
	report      *schema.Report
	history     []*schema.HistoryEntry
}

// buildPrompt assembles the prompt in the fixed section order: preamble,
// definition blob, state, assumed step, history, report, task, schema reminder.
func buildPrompt(intent Intent, blob string, in promptInput) string {
	parts := []string{rolePreamble}

	parts = append(parts, fmt.Sprintf("WORKFLOW DEFINITION:\n---\n%s\n---", blob))

	if in.state != nil {
		label := "CURRENT STATE"
		if intent == IntentReconcile {
			label = "PERSISTED STATE"
		}
		stateJSON, _ := json.MarshalIndent(in.state, "", "  ")
		parts = append(parts, fmt.Sprintf("%s:\n%s", label, stateJSON))
	}
	if intent == IntentReconcile {
		parts = append(parts, fmt.Sprintf("ASSUMED STEP (from user report): %s", in.assumedStep))
	}
	if len(in.history) > 0 {
		historyJSON, _ := json.MarshalIndent(in.history, "", "  ")
		parts = append(parts, fmt.Sprintf("RECENT HISTORY (most recent first):\n%s", historyJSON))
	}
	if in.report != nil {
		reportJSON, _ := json.MarshalIndent(in.report.AsMap(), "", "  ")
		parts = append(parts, fmt.Sprintf("USER REPORT:\n%s", reportJSON))
	}

	parts = append(parts, "TASK: "+taskInstruction(intent, in))
	parts = append(parts, schemaReminder)

	return strings.Join(parts, "\n\n")
}

func taskInstruction(intent Intent, in promptInput) string {
	switch intent {
	case IntentFirst:
		return "Analyze the workflow definition and determine the very first step."
	case IntentNext:
		current := "N/A"
		if in.state != nil {
			current = in.state.CurrentStepName
		}
		return fmt.Sprintf("Based on the current state, the user's report for the last step (%q), "+
			"and the workflow definition (especially Orchestrator Guidance), determine the next logical step. "+
			"Format any context updates in the 'updated_context' field as an array of objects with 'key' and 'value' properties.", current)
	case IntentReconcile:
		instanceID, persistedStep := "N/A", "N/A"
		if in.state != nil {
			instanceID = in.state.InstanceID
			persistedStep = in.state.CurrentStepName
		}
		return fmt.Sprintf("The user is resuming workflow instance %q. Their report describes their current "+
			"situation and they believe they were on step %q. The persisted server state shows the last known "+
			"step was %q. Reconcile the user's assumed state with the persisted state and history, using the "+
			"workflow definition (especially Orchestrator Guidance), to determine the correct next logical step. "+
			"Format any context updates in the 'updated_context' field as an array of objects with 'key' and 'value' properties.",
			instanceID, in.assumedStep, persistedStep)
	}
	return ""
}
