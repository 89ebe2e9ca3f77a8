package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/auth"
	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/flow"
	"github.com/lexiqai/voice-relay/internal/tts"
	"github.com/lexiqai/voice-relay/internal/variables"
)

const testTimeout = 3 * time.Second

// fakeEngine stands in for the realtime engine
type fakeEngine struct {
	srv      *httptest.Server
	received chan map[string]any
	header   chan http.Header

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{
		received: make(chan map[string]any, 256),
		header:   make(chan http.Header, 1),
	}
	upgrader := websocket.Upgrader{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conn = c
		e.mu.Unlock()
		select {
		case e.header <- r.Header.Clone():
		default:
		}
		for {
			var msg map[string]any
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			e.received <- msg
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *fakeEngine) send(t *testing.T, v any) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotNil(t, e.conn, "engine not connected")
	require.NoError(t, e.conn.WriteJSON(v))
}

func (e *fakeEngine) disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

// expect returns the next message of type typ, skipping others
func (e *fakeEngine) expect(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case msg := <-e.received:
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("engine never received %s", typ)
			return nil
		}
	}
}

type fakeCreds map[string]string

func (f fakeCreds) Get(_ context.Context, _ string, name string) (string, error) {
	if v, ok := f[name]; ok {
		return v, nil
	}
	return "", variables.ErrCredentialMissing
}

type fakeResolver map[string]*flow.Metadata

func (f fakeResolver) ResolveFlow(_ context.Context, flowID string) (*flow.Metadata, error) {
	switch flowID {
	case "no-input":
		return nil, flow.ErrNoInputNode
	case "broken":
		return nil, errors.New("database unavailable")
	}
	if m, ok := f[flowID]; ok {
		return m, nil
	}
	return nil, flow.ErrFlowNotFound
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []flow.RunRequest
	events   []flow.ProgressEvent
	err      error
}

func (r *fakeRunner) RunFlow(_ context.Context, req flow.RunRequest, onEvent func(flow.ProgressEvent) error) error {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	events, err := r.events, r.err
	r.mu.Unlock()
	for _, ev := range events {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return err
}

func (r *fakeRunner) calls() []flow.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flow.RunRequest(nil), r.requests...)
}

// echoSynth speaks each chunk as its own bytes
type echoSynth struct{}

func (echoSynth) Provider() string { return "echo" }

func (echoSynth) Stream(ctx context.Context, chunks <-chan string, emit func([]byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := emit([]byte(c)); err != nil {
				return err
			}
		}
	}
}

// gatedSynth holds every chunk until release is closed, then speaks it.
// started receives each chunk as it arrives and spoken is signalled after
// each emit returns.
type gatedSynth struct {
	started chan string
	spoken  chan string
	release chan struct{}
}

func newGatedSynth() *gatedSynth {
	return &gatedSynth{
		started: make(chan string, 16),
		spoken:  make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedSynth) Provider() string { return "gated" }

func (g *gatedSynth) Stream(ctx context.Context, chunks <-chan string, emit func([]byte) error) error {
	for c := range chunks {
		g.started <- c
		<-g.release
		if err := emit([]byte(c)); err != nil {
			return err
		}
		g.spoken <- c
	}
	return ctx.Err()
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// speechDetector classifies every frame as speech
type speechDetector struct{}

func (speechDetector) IsSpeech([]byte) (bool, error) { return true, nil }
func (speechDetector) Close() error                  { return nil }

type harness struct {
	handler *Handler
	srv     *httptest.Server
	engine  *fakeEngine
	runner  *fakeRunner
	creds   fakeCreds
	token   string
	logger  zerolog.Logger
	synth   tts.Synthesizer

	configure func(*config.Config)

	mu           sync.Mutex
	states       []State
	synthOpts    []tts.Options
	detectorCfgs []audio.DetectorConfig
}

type harnessOption func(*harness)

func withLogger(logger zerolog.Logger) harnessOption {
	return func(hs *harness) { hs.logger = logger }
}

func withSynth(synth tts.Synthesizer) harnessOption {
	return func(hs *harness) { hs.synth = synth }
}

func withConfig(fn func(*config.Config)) harnessOption {
	return func(hs *harness) { hs.configure = fn }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	engine := newFakeEngine(t)
	cfg := &config.Config{
		AuthSecretKey:         "secret",
		AuthCookieName:        "access_token_lf",
		RealtimeURL:           engine.url(),
		RealtimeModel:         "test-realtime",
		RealtimeVoice:         "echo",
		RealtimeTemperature:   0.8,
		TranscriptionModel:    "whisper-1",
		TurnThreshold:         0.5,
		TurnPrefixPaddingMs:   300,
		TurnSilenceDurationMs: 500,
		TTSProvider:           "elevenlabs",
		ElevenLabsVoiceID:     "default-voice",
		ElevenLabsModelID:     "eleven_multilingual_v2",
		ChunkFlushTimeout:     50,
		VADEngine:             "energy",
		VADEnergyThreshold:    500,
		ReconnectMaxAttempts:  1,
		ReconnectBackoff:      10,
	}

	hs := &harness{
		engine: engine,
		runner: &fakeRunner{},
		creds:  fakeCreds{"OPENAI_API_KEY": "sk-test", "ELEVENLABS_API_KEY": "xi-test"},
		logger: zerolog.Nop(),
		synth:  echoSynth{},
	}
	for _, opt := range opts {
		opt(hs)
	}
	if hs.configure != nil {
		hs.configure(cfg)
	}
	validator := auth.NewValidator(cfg.AuthSecretKey, cfg.AuthCookieName)
	token, err := validator.Issue("user-1", time.Hour)
	require.NoError(t, err)
	hs.token = token

	flows := fakeResolver{"flow-1": {ID: "flow-1", Description: "Answers weather questions", InputNodeID: "ChatInput-1"}}
	hs.handler = NewHandler(cfg, validator, flows, hs.runner, hs.creds, hs.logger,
		WithSynthesizerFactory(func(opts tts.Options) (tts.Synthesizer, error) {
			hs.mu.Lock()
			defer hs.mu.Unlock()
			hs.synthOpts = append(hs.synthOpts, opts)
			return hs.synth, nil
		}),
		WithDetectorFactory(func(dc audio.DetectorConfig) (audio.Detector, error) {
			hs.mu.Lock()
			defer hs.mu.Unlock()
			hs.detectorCfgs = append(hs.detectorCfgs, dc)
			return speechDetector{}, nil
		}),
	)
	hs.handler.stateHook = func(_ string, st State) {
		hs.mu.Lock()
		hs.states = append(hs.states, st)
		hs.mu.Unlock()
	}

	mux := http.NewServeMux()
	hs.handler.Register(mux)
	hs.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = hs.handler.Shutdown(ctx)
		hs.srv.Close()
	})
	return hs
}

func (hs *harness) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(hs.srv.URL, "http") + path
	if token != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		u += sep + "token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (hs *harness) stateCount(st State) int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	n := 0
	for _, s := range hs.states {
		if s == st {
			n++
		}
	}
	return n
}

func (hs *harness) detectorConfigs() []audio.DetectorConfig {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]audio.DetectorConfig(nil), hs.detectorCfgs...)
}

func (hs *harness) synthOptions() []tts.Options {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]tts.Options(nil), hs.synthOpts...)
}

// readType returns the next client message of type typ, skipping others
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		var msg map[string]any
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

// readClose reads until the server closes the socket and returns the close error
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce
		}
		t.Fatalf("expected close frame, got %v", err)
		return nil
	}
}
