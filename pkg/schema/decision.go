package schema

// ContextUpdate is one key/value pair the model wants merged into the
// instance context. The wire format is a list of these rather than an
// object so the response schema can constrain the element shape.
type ContextUpdate struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// AIDecision is the validated structured answer from the AI client.
// NextStepName is either a canonical step ID of the workflow or FINISH.
type AIDecision struct {
	NextStepName     string          `json:"next_step_name"`
	UpdatedContext   []ContextUpdate `json:"updated_context"`
	StatusSuggestion InstanceStatus  `json:"status_suggestion,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
}

// ContextUpdates flattens the decision's update list into a map, last
// write winning on duplicate keys.
func (d *AIDecision) ContextUpdates() map[string]any {
	if len(d.UpdatedContext) == 0 {
		return nil
	}
	out := make(map[string]any, len(d.UpdatedContext))
	for _, u := range d.UpdatedContext {
		out[u.Key] = u.Value
	}
	return out
}
