// Package flow resolves flows and runs them on the flow executor.
package flow

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrFlowNotFound means no flow exists with the requested id.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrNoInputNode means the flow has no ChatInput component to bind input to.
	ErrNoInputNode = errors.New("No ChatInput component found in flow")
)

// InputNodeType is the component type that receives voice and tool input
const InputNodeType = "ChatInput"

// Metadata describes a flow as far as the relay needs it
type Metadata struct {
	ID          string
	Name        string
	Description string
	InputNodeID string
}

// RunRequest starts one flow execution
type RunRequest struct {
	FlowID      string
	SessionID   string
	InputNodeID string
	InputType   string // "chat" for tool calls, "any" for the event-stream endpoint
	Input       any
}

// ProgressEvent is one build event emitted while a flow runs. It is kept as a
// generic JSON object so it can be forwarded to clients unchanged.
type ProgressEvent map[string]any

// Name returns the event name, e.g. "end_vertex"
func (e ProgressEvent) Name() string {
	name, _ := e["event"].(string)
	return name
}

// EndVertexText returns the message text produced by a finished node, or ""
// for any other event. The text lives at data.build_data.data.results.message.text.
func (e ProgressEvent) EndVertexText() string {
	if e.Name() != "end_vertex" {
		return ""
	}
	var cur any = map[string]any(e)
	for _, key := range []string{"data", "build_data", "data", "results", "message", "text"} {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	text, _ := cur.(string)
	return text
}

// Resolver looks up flow metadata
type Resolver interface {
	ResolveFlow(ctx context.Context, flowID string) (*Metadata, error)
}

// Runner executes flows. onEvent is called for every progress event in
// order; returning an error aborts the run.
type Runner interface {
	RunFlow(ctx context.Context, req RunRequest, onEvent func(ProgressEvent) error) error
}

// FindInputNode returns the id of the first ChatInput node in a flow graph.
func FindInputNode(graph map[string]any) (string, error) {
	nodes, _ := graph["nodes"].([]any)
	for _, n := range nodes {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		data, _ := node["data"].(map[string]any)
		if t, _ := data["type"].(string); t != InputNodeType {
			continue
		}
		if id, _ := node["id"].(string); strings.TrimSpace(id) != "" {
			return id, nil
		}
		if id, _ := data["id"].(string); strings.TrimSpace(id) != "" {
			return id, nil
		}
	}
	return "", ErrNoInputNode
}

// CollectText runs a flow and concatenates the text of every end_vertex
// event, forwarding each event to forward first.
func CollectText(ctx context.Context, runner Runner, req RunRequest, forward func(ProgressEvent) error) (string, error) {
	var sb strings.Builder
	err := runner.RunFlow(ctx, req, func(ev ProgressEvent) error {
		if forward != nil {
			if err := forward(ev); err != nil {
				return err
			}
		}
		sb.WriteString(ev.EndVertexText())
		return nil
	})
	return sb.String(), err
}
