// Package tools runs the upstream engine's function calls against the flow
// executor and returns their results to the conversation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/flow"
	"github.com/lexiqai/voice-relay/internal/observability"
)

// ResultSender returns tool output to the upstream session
type ResultSender interface {
	SendToolResult(ctx context.Context, callID, output string) error
	SendResponseCreate(ctx context.Context) error
}

// ProgressFunc forwards a flow progress event to the client
type ProgressFunc func(ctx context.Context, ev flow.ProgressEvent) error

// PendingFunctionCall is a function call whose arguments are still streaming
type PendingFunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Config binds a dispatcher to one session's flow
type Config struct {
	FlowID      string
	InputNodeID string
}

// Dispatcher tracks pending calls by call id. Several calls may be in flight
// at once; argument deltas without a call id go to the most recent one.
type Dispatcher struct {
	cfg      Config
	runner   flow.Runner
	sender   ResultSender
	progress ProgressFunc
	logger   zerolog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	pending map[string]*strings.Builder
	names   map[string]string
	last    string
}

// NewDispatcher creates a dispatcher. progress and metrics may be nil.
func NewDispatcher(cfg Config, runner flow.Runner, sender ResultSender, progress ProgressFunc, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		runner:   runner,
		sender:   sender,
		progress: progress,
		logger:   logger.With().Str("component", "tools").Logger(),
		metrics:  metrics,
		pending:  make(map[string]*strings.Builder),
		names:    make(map[string]string),
	}
}

// Begin starts tracking a call announced by an output item
func (d *Dispatcher) Begin(callID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.begin(callID, name)
}

func (d *Dispatcher) begin(callID, name string) {
	d.pending[callID] = &strings.Builder{}
	d.names[callID] = name
	d.last = callID
}

// AppendArguments adds a partial argument string to a pending call
func (d *Dispatcher) AppendArguments(callID, delta string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if callID == "" {
		callID = d.last
	}
	buf, ok := d.pending[callID]
	if !ok {
		if callID == "" {
			return
		}
		d.begin(callID, "")
		buf = d.pending[callID]
	}
	buf.WriteString(delta)
}

// Finish removes a call from the pending set. finalArgs, when non-empty,
// replaces the accumulated deltas. ok is false when there is nothing to run.
func (d *Dispatcher) Finish(callID, finalArgs string) (*PendingFunctionCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if callID == "" {
		callID = d.last
	}
	if callID == "" {
		return nil, false
	}

	call := &PendingFunctionCall{CallID: callID, Name: d.names[callID], Arguments: finalArgs}
	if buf, ok := d.pending[callID]; ok && finalArgs == "" {
		call.Arguments = buf.String()
	}
	delete(d.pending, callID)
	delete(d.names, callID)
	if d.last == callID {
		d.last = ""
	}
	return call, true
}

// Pending reports how many calls are still accumulating arguments
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Invoke runs the flow for call and always sends a function_call_output
// followed by response.create. Only a failure to reach the upstream session
// is returned.
func (d *Dispatcher) Invoke(ctx context.Context, call *PendingFunctionCall) error {
	logger := d.logger.With().Str("call_id", call.CallID).Str("tool", call.Name).Logger()
	start := time.Now()

	output, err := d.execute(ctx, call)
	if d.metrics != nil {
		d.metrics.RecordToolCall(time.Since(start), err == nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Flow execution failed")
		if d.metrics != nil {
			d.metrics.RecordError("tool_invocation", "tools")
		}
		output = fmt.Sprintf("Error executing flow: %v", err)
	} else {
		logger.Info().Dur("elapsed", time.Since(start)).Int("output_len", len(output)).Msg("Flow executed")
	}

	if err := d.sender.SendToolResult(ctx, call.CallID, output); err != nil {
		return fmt.Errorf("send tool result: %w", err)
	}
	if err := d.sender.SendResponseCreate(ctx); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, call *PendingFunctionCall) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	req := flow.RunRequest{
		FlowID:      d.cfg.FlowID,
		SessionID:   uuid.NewString(),
		InputNodeID: d.cfg.InputNodeID,
		InputType:   "chat",
		Input:       args["input"],
	}

	var forward func(flow.ProgressEvent) error
	if d.progress != nil {
		forward = func(ev flow.ProgressEvent) error {
			if err := d.progress(ctx, ev); err != nil {
				d.logger.Debug().Err(err).Msg("Dropping progress event")
			}
			return nil
		}
	}
	return flow.CollectText(ctx, d.runner, req, forward)
}
