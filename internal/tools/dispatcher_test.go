package tools

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-relay/internal/flow"
)

type recordingRunner struct {
	mu       sync.Mutex
	requests []flow.RunRequest
	events   []flow.ProgressEvent
	err      error
}

func (r *recordingRunner) RunFlow(_ context.Context, req flow.RunRequest, onEvent func(flow.ProgressEvent) error) error {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	for _, ev := range r.events {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return r.err
}

type toolOutput struct {
	callID string
	output string
}

type recordingSender struct {
	mu       sync.Mutex
	outputs  []toolOutput
	creates  int
	sequence []string
}

func (s *recordingSender) SendToolResult(_ context.Context, callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, toolOutput{callID, output})
	s.sequence = append(s.sequence, "function_call_output")
	return nil
}

func (s *recordingSender) SendResponseCreate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	s.sequence = append(s.sequence, "response.create")
	return nil
}

func message(text string) flow.ProgressEvent {
	return flow.ProgressEvent{
		"event": "end_vertex",
		"data": map[string]any{"build_data": map[string]any{"data": map[string]any{
			"results": map[string]any{"message": map[string]any{"text": text}},
		}}},
	}
}

func newTestDispatcher(runner flow.Runner, sender ResultSender, progress ProgressFunc) *Dispatcher {
	return NewDispatcher(Config{FlowID: "flow-1", InputNodeID: "ChatInput-1"}, runner, sender, progress, zerolog.Nop(), nil)
}

func TestDispatcher_RoundTrip(t *testing.T) {
	runner := &recordingRunner{events: []flow.ProgressEvent{{"event": "vertices_sorted"}, message("It is sunny")}}
	sender := &recordingSender{}
	var progressed []string
	d := newTestDispatcher(runner, sender, func(_ context.Context, ev flow.ProgressEvent) error {
		progressed = append(progressed, ev.Name())
		return nil
	})

	d.Begin("call_1", "execute_flow")
	for _, delta := range []string{`{"in`, `put":`, `"hi"}`} {
		d.AppendArguments("call_1", delta)
	}
	call, ok := d.Finish("call_1", "")
	require.True(t, ok)
	assert.Equal(t, `{"input":"hi"}`, call.Arguments)
	assert.Equal(t, "execute_flow", call.Name)

	require.NoError(t, d.Invoke(context.Background(), call))

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, "hi", req.Input)
	assert.Equal(t, "flow-1", req.FlowID)
	assert.Equal(t, "ChatInput-1", req.InputNodeID)
	assert.Equal(t, "chat", req.InputType)
	assert.NotEmpty(t, req.SessionID)

	assert.Equal(t, []toolOutput{{"call_1", "It is sunny"}}, sender.outputs)
	assert.Equal(t, []string{"function_call_output", "response.create"}, sender.sequence)
	assert.Equal(t, []string{"vertices_sorted", "end_vertex"}, progressed)
	assert.Zero(t, d.Pending())
}

func TestDispatcher_ExecutorErrorStillReturnsOutput(t *testing.T) {
	runner := &recordingRunner{err: errors.New("executor unavailable")}
	sender := &recordingSender{}
	d := newTestDispatcher(runner, sender, nil)

	d.Begin("call_9", "execute_flow")
	d.AppendArguments("call_9", `{"input":"hi"}`)
	call, ok := d.Finish("call_9", "")
	require.True(t, ok)

	require.NoError(t, d.Invoke(context.Background(), call))
	require.Len(t, runner.requests, 1)
	require.Len(t, sender.outputs, 1)
	assert.Equal(t, "call_9", sender.outputs[0].callID)
	assert.Equal(t, "Error executing flow: executor unavailable", sender.outputs[0].output)
	assert.Equal(t, 1, sender.creates)
}

func TestDispatcher_BadJSON(t *testing.T) {
	runner := &recordingRunner{}
	sender := &recordingSender{}
	d := newTestDispatcher(runner, sender, nil)

	require.NoError(t, d.Invoke(context.Background(), &PendingFunctionCall{CallID: "c", Arguments: `{"input":`}))
	assert.Empty(t, runner.requests)
	require.Len(t, sender.outputs, 1)
	assert.Contains(t, sender.outputs[0].output, "Error executing flow: invalid tool arguments")
}

func TestDispatcher_EmptyArguments(t *testing.T) {
	runner := &recordingRunner{}
	d := newTestDispatcher(runner, &recordingSender{}, nil)

	require.NoError(t, d.Invoke(context.Background(), &PendingFunctionCall{CallID: "c"}))
	require.Len(t, runner.requests, 1)
	assert.Nil(t, runner.requests[0].Input)
}

func TestDispatcher_ConcurrentCalls(t *testing.T) {
	d := newTestDispatcher(&recordingRunner{}, &recordingSender{}, nil)

	d.Begin("a", "execute_flow")
	d.Begin("b", "execute_flow")
	d.AppendArguments("a", `{"input":"first"}`)
	d.AppendArguments("", `{"input":"second"}`)
	assert.Equal(t, 2, d.Pending())

	a, ok := d.Finish("a", "")
	require.True(t, ok)
	assert.Equal(t, `{"input":"first"}`, a.Arguments)

	b, ok := d.Finish("b", "")
	require.True(t, ok)
	assert.Equal(t, `{"input":"second"}`, b.Arguments)
}

func TestDispatcher_FinishPrefersFinalArguments(t *testing.T) {
	d := newTestDispatcher(&recordingRunner{}, &recordingSender{}, nil)

	d.Begin("a", "execute_flow")
	d.AppendArguments("a", `{"inp`)
	call, ok := d.Finish("a", `{"input":"full"}`)
	require.True(t, ok)
	assert.Equal(t, `{"input":"full"}`, call.Arguments)

	_, ok = d.Finish("", "")
	assert.False(t, ok)
}
