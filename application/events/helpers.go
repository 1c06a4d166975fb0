package events

import (
	"context"

	"fabric/domain/event"
	"fabric/domain/schema"
)

// Typed convenience emitters over Log.

// LogAgentAction records an action taken by an agent, linked to its Agent
// node.
func (p *Processor) LogAgentAction(ctx context.Context, agentID, action string, details map[string]any) (event.Event, error) {
	md := map[string]any{"action": action}
	for k, v := range details {
		md[k] = v
	}
	return p.Log(ctx, event.Event{
		Type:     "agent.action." + action,
		Source:   "agent/" + agentID,
		Metadata: md,
		Related:  []event.NodeRef{{Label: schema.LabelAgent, ID: agentID}},
	})
}

// LogSystemEvent records a system-level occurrence.
func (p *Processor) LogSystemEvent(ctx context.Context, name string, details map[string]any) (event.Event, error) {
	return p.Log(ctx, event.Event{
		Type:     "system." + name,
		Source:   "system",
		Metadata: details,
	})
}

// LogWorkflowStep records one step of a workflow, carrying the workflow id
// so steps can be correlated and sequenced later.
func (p *Processor) LogWorkflowStep(ctx context.Context, workflowID, step, status string, details map[string]any) (event.Event, error) {
	md := map[string]any{
		"workflow_id": workflowID,
		"step":        step,
		"status":      status,
	}
	for k, v := range details {
		md[k] = v
	}
	return p.Log(ctx, event.Event{
		Type:     "workflow." + step + "." + status,
		Source:   "workflow/" + workflowID,
		Metadata: md,
	})
}
