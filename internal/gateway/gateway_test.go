package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-relay/internal/flow"
)

const realtimeFlow1 = "/api/v1/voice/ws/flow_as_tool/flow-1"

func TestRealtime_RejectsMissingToken(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1, "")

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "Unauthorized", ce.Text)
}

func TestRealtime_RejectsInvalidToken(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1, "not-a-jwt")

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestRealtime_FlowUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		flowID string
		reason string
	}{
		{name: "unknown flow", flowID: "missing", reason: "Flow with id missing not found"},
		{name: "no chat input", flowID: "no-input", reason: "No ChatInput component found in flow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t)
			conn := hs.dial(t, "/api/v1/voice/ws/flow_as_tool/"+tt.flowID, hs.token)

			ce := readClose(t, conn)
			assert.Equal(t, CloseFlowUnavailable, ce.Code)
			assert.Equal(t, tt.reason, ce.Text)
		})
	}
}

func TestRealtime_FlowLoadError(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, "/api/v1/voice/ws/flow_as_tool/broken", hs.token)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	var msg map[string]string
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "Failed to load flow: database unavailable", msg["error"])

	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
}

func TestRealtime_MissingOpenAIKey(t *testing.T) {
	hs := newHarness(t)
	delete(hs.creds, "OPENAI_API_KEY")
	conn := hs.dial(t, realtimeFlow1, hs.token)

	msg := readType(t, conn, "error")
	assert.Equal(t, "api_key_missing", msg["code"])
	assert.Equal(t, "OPENAI_API_KEY", msg["key_name"])
	assert.Contains(t, msg["message"], "OpenAI API key not found")

	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Empty(t, hs.runner.calls())
}

func TestRealtime_ConfiguresUpstreamSession(t *testing.T) {
	hs := newHarness(t)
	hs.dial(t, realtimeFlow1, hs.token)

	update := hs.engine.expect(t, "session.update")
	session := update["session"].(map[string]any)
	assert.Equal(t, []any{"text", "audio"}, session["modalities"])
	assert.Equal(t, "echo", session["voice"])
	assert.Equal(t, "pcm16", session["input_audio_format"])
	assert.Equal(t, "auto", session["tool_choice"])

	detection := session["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", detection["type"])
	assert.EqualValues(t, 500, detection["silence_duration_ms"])

	tools := session["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "execute_flow", tool["name"])
	assert.Equal(t, "Answers weather questions", tool["description"])

	select {
	case header := <-hs.engine.header:
		assert.Equal(t, "Bearer sk-test", header.Get("Authorization"))
		assert.Equal(t, "realtime=v1", header.Get("OpenAI-Beta"))
	case <-time.After(testTimeout):
		t.Fatal("engine never saw the handshake")
	}
}

func TestRealtime_RelaysBothDirections(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1, hs.token)
	hs.engine.expect(t, "session.update")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "input_audio_buffer.append", "audio": "AAAA"}))
	appended := hs.engine.expect(t, "input_audio_buffer.append")
	assert.Equal(t, "AAAA", appended["audio"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "input_audio_buffer.commit"}))
	hs.engine.expect(t, "input_audio_buffer.commit")

	hs.engine.send(t, map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
	created := readType(t, conn, "session.created")
	assert.Equal(t, "sess_1", created["session"].(map[string]any)["id"])
}

func TestRealtime_ToolCallRoundTrip(t *testing.T) {
	hs := newHarness(t)
	hs.runner.events = []flow.ProgressEvent{
		{"event": "vertices_sorted", "data": map[string]any{"ids": []any{"ChatInput-1"}}},
		{"event": "end_vertex", "data": map[string]any{
			"build_data": map[string]any{"data": map[string]any{"results": map[string]any{
				"message": map[string]any{"text": "It is sunny"},
			}}},
		}},
	}
	conn := hs.dial(t, realtimeFlow1, hs.token)
	hs.engine.expect(t, "session.update")

	hs.engine.send(t, map[string]any{
		"type":        "response.output_item.added",
		"response_id": "resp-1",
		"item":        map[string]any{"id": "item-1", "type": "function_call", "call_id": "call-1", "name": "execute_flow"},
	})
	hs.engine.send(t, map[string]any{"type": "response.function_call_arguments.delta", "call_id": "call-1", "delta": `{"input":`})
	hs.engine.send(t, map[string]any{"type": "response.function_call_arguments.delta", "call_id": "call-1", "delta": `"What's the weather?"}`})
	hs.engine.send(t, map[string]any{"type": "response.function_call_arguments.done", "call_id": "call-1", "arguments": `{"input":"What's the weather?"}`})

	progress := readType(t, conn, "flow.build.progress")
	assert.Equal(t, "vertices_sorted", progress["data"].(map[string]any)["event"])
	progress = readType(t, conn, "flow.build.progress")
	assert.Equal(t, "end_vertex", progress["data"].(map[string]any)["event"])

	item := hs.engine.expect(t, "conversation.item.create")["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call-1", item["call_id"])
	assert.Equal(t, "It is sunny", item["output"])
	hs.engine.expect(t, "response.create")

	calls := hs.runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "flow-1", calls[0].FlowID)
	assert.Equal(t, "ChatInput-1", calls[0].InputNodeID)
	assert.Equal(t, "chat", calls[0].InputType)
	assert.Equal(t, "What's the weather?", calls[0].Input)
}

func TestRealtime_ElevenLabsSpeaksText(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1, hs.token)
	hs.engine.expect(t, "session.update")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "elevenlabs.config", "enabled": true, "voice_id": "v-2"}))
	update := hs.engine.expect(t, "session.update")
	assert.Equal(t, []any{"text"}, update["session"].(map[string]any)["modalities"])

	for _, delta := range []string{"Hello", ",", " world", "."} {
		hs.engine.send(t, map[string]any{"type": "response.text.delta", "response_id": "resp-2", "delta": delta})
	}
	hs.engine.send(t, map[string]any{"type": "response.text.done", "response_id": "resp-2"})

	var spoken strings.Builder
	for !strings.Contains(spoken.String(), "world.") {
		msg := readType(t, conn, "response.audio.delta")
		pcm, err := base64.StdEncoding.DecodeString(msg["delta"].(string))
		require.NoError(t, err)
		spoken.Write(pcm)
	}
	assert.Equal(t, "Hello,world.", strings.Join(strings.Fields(spoken.String()), ""))

	opts := hs.synthOptions()
	require.Len(t, opts, 1)
	assert.Equal(t, "elevenlabs", opts[0].Provider)
	assert.Equal(t, "v-2", opts[0].VoiceID)
	assert.Equal(t, "xi-test", opts[0].APIKey)
	assert.Equal(t, "eleven_multilingual_v2", opts[0].ModelID)
}

func TestRealtime_ElevenLabsKeyMissingFallsBack(t *testing.T) {
	hs := newHarness(t)
	delete(hs.creds, "ELEVENLABS_API_KEY")
	conn := hs.dial(t, realtimeFlow1, hs.token)
	hs.engine.expect(t, "session.update")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "elevenlabs.config", "enabled": true}))
	update := hs.engine.expect(t, "session.update")
	assert.Equal(t, []any{"text"}, update["session"].(map[string]any)["modalities"])

	hs.engine.send(t, map[string]any{"type": "response.text.delta", "response_id": "resp-3", "delta": "Hi there."})

	msg := readType(t, conn, "error")
	assert.Equal(t, "api_key_missing", msg["code"])
	assert.Equal(t, "ELEVENLABS_API_KEY", msg["key_name"])

	update = hs.engine.expect(t, "session.update")
	assert.Equal(t, []any{"text", "audio"}, update["session"].(map[string]any)["modalities"])
	assert.Empty(t, hs.synthOptions())
}

func TestRealtime_BargeInCancelsOnce(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1+"?barge_in=true", hs.token)
	hs.engine.expect(t, "session.update")

	hs.engine.send(t, map[string]any{
		"type":        "response.output_item.added",
		"response_id": "resp-4",
		"item":        map[string]any{"id": "item-4", "type": "message"},
	})
	hs.engine.send(t, map[string]any{"type": "response.audio.delta", "response_id": "resp-4", "delta": "AQID"})
	hs.engine.send(t, map[string]any{"type": "response.content_part.added", "response_id": "resp-4"})
	readType(t, conn, "response.content_part.added")

	// One 20ms frame of client audio; the detector hears speech in anything.
	frame := base64.StdEncoding.EncodeToString(make([]byte, 960))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "input_audio_buffer.append", "audio": frame}))
	hs.engine.expect(t, "response.cancel")

	// Assistant audio from the interrupted response no longer reaches the client.
	hs.engine.send(t, map[string]any{"type": "response.audio.delta", "response_id": "resp-4", "delta": "BAUG"})
	hs.engine.send(t, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp-4"}})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == "response.done" {
			break
		}
		assert.NotEqual(t, "response.audio.delta", msg["type"], "audio after barge-in: %s", data)
	}

	// Speech with no assistant response in progress does not cancel again.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "input_audio_buffer.append", "audio": frame}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "input_audio_buffer.commit"}))
	deadline := time.After(testTimeout)
	for done := false; !done; {
		select {
		case msg := <-hs.engine.received:
			assert.NotEqual(t, "response.cancel", msg["type"])
			done = msg["type"] == "input_audio_buffer.commit"
		case <-deadline:
			t.Fatal("engine never received the commit")
		}
	}
}

func TestRealtime_EndStreamClosesOnce(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1, hs.token)
	hs.engine.expect(t, "session.update")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "end_stream"}))
	_ = conn.WriteJSON(map[string]any{"type": "end_stream"})

	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.Eventually(t, func() bool { return hs.stateCount(StateClosed) == 1 }, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, hs.stateCount(StateStreaming))
	assert.Equal(t, 1, hs.stateCount(StateClosing))
}

func TestRealtime_UpstreamDisconnectClosesClient(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1, hs.token)
	hs.engine.expect(t, "session.update")

	hs.engine.disconnect()

	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.Eventually(t, func() bool { return hs.handler.ActiveSessions() == 0 }, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, hs.stateCount(StateClosed))
}

func TestRealtime_ShutdownClosesSessions(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dial(t, realtimeFlow1, hs.token)
	hs.engine.expect(t, "session.update")
	require.Eventually(t, func() bool { return hs.handler.ActiveSessions() == 1 }, testTimeout, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		done <- hs.handler.Shutdown(ctx)
	}()

	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	require.NoError(t, <-done)
	assert.Zero(t, hs.handler.ActiveSessions())
}
