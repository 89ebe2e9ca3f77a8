package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestSessionLogger_DerivesFromBase(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).With().Str("service", "test").Logger()

	logger := SessionLogger(base, "sess-1", "flow-1", "user-1")
	logger.Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected one JSON log line, got %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"service":        "test",
		"correlation_id": "sess-1",
		"session_id":     "sess-1",
		"flow_id":        "flow-1",
		"user_id":        "user-1",
		"message":        "hello",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("Expected %s=%q, got %v", k, v, line[k])
		}
	}
}

func TestSessionLogger_GeneratesSessionID(t *testing.T) {
	var buf bytes.Buffer
	SessionLogger(zerolog.New(&buf), "", "flow-1", "user-1").Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected one JSON log line, got %q: %v", buf.String(), err)
	}
	id, _ := line["session_id"].(string)
	if id == "" {
		t.Fatal("Expected a generated session id")
	}
	if line["correlation_id"] != id {
		t.Errorf("Expected correlation_id %q, got %v", id, line["correlation_id"])
	}
}
