package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/chunker"
	"github.com/lexiqai/voice-relay/internal/flow"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/resilience"
	"github.com/lexiqai/voice-relay/internal/tools"
	"github.com/lexiqai/voice-relay/internal/tts"
	"github.com/lexiqai/voice-relay/internal/upstream"
	"github.com/lexiqai/voice-relay/internal/vad"
)

// State of a realtime session
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateFlowResolved
	StateToolDescribed
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateFlowResolved:
		return "flow_resolved"
	case StateToolDescribed:
		return "tool_described"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const vadBacklog = 256

// clientMessage is the part of an inbound client message the relay reads
type clientMessage struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

type audioDeltaMessage struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type progressMessage struct {
	Type string             `json:"type"`
	Data flow.ProgressEvent `json:"data"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	KeyName string `json:"key_name,omitempty"`
	Message string `json:"message"`
}

func missingKeyMessage(keyName, label string) errorMessage {
	return errorMessage{
		Type:    "error",
		Code:    "api_key_missing",
		KeyName: keyName,
		Message: label + " API key not found. Please set your API key as an env var or a global variable.",
	}
}

// turn is one assistant response being spoken by the TTS bridge
type turn struct {
	id         string
	responseID string
	text       *chunker.Stream
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// session relays one client connection to the realtime engine
type session struct {
	h       *Handler
	id      string
	flowID  string
	userID  string
	conn    *websocket.Conn
	logger  zerolog.Logger
	metrics *observability.Metrics
	events  *eventLog

	state     atomic.Int32
	closeOnce sync.Once
	stop      context.CancelFunc
	abort     context.CancelCauseFunc

	openAIKey  string
	up         *upstream.Session
	writer     *clientWriter
	dispatcher *tools.Dispatcher
	bargeIn    bool
	detector   audio.Detector
	monitor    *vad.Monitor
	vadIn      chan string
	speaking   atomic.Bool

	ttsMu      sync.Mutex
	ttsEnabled bool
	voiceID    string
	synth      tts.Synthesizer
	synthVoice string

	turnMu     sync.Mutex
	turns      map[string]*turn
	responseID string
	talkedOver map[string]struct{} // response ids cancelled by barge-in

	// owned by the upstream demultiplexer
	current      *turn
	lastTurnDone chan struct{}

	tasks sync.WaitGroup
}

// ServeRealtime relays a client voice session to the realtime engine with the
// flow exposed as a tool.
func (h *Handler) ServeRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	h.sessions.Add(1)
	h.active.Add(1)
	defer func() {
		h.active.Add(-1)
		h.sessions.Done()
	}()

	s := &session{
		h:          h,
		id:         observability.NewCorrelationID(),
		flowID:     r.PathValue("flow_id"),
		conn:       conn,
		bargeIn:    h.cfg.BargeInEnabled,
		turns:      make(map[string]*turn),
		talkedOver: make(map[string]struct{}),
	}
	if v, err := strconv.ParseBool(r.URL.Query().Get("barge_in")); err == nil {
		s.bargeIn = v
	}
	s.logger = h.logger.With().Str("session_id", s.id).Str("flow_id", s.flowID).Logger()
	s.metrics = observability.NewSessionMetrics("flow_as_tool")
	s.metrics.RecordSessionStart()
	s.events = newEventLog(s.logger)

	s.run(h.ctx, r)
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
	if s.h.stateHook != nil {
		s.h.stateHook(s.id, st)
	}
}

func (s *session) run(parent context.Context, r *http.Request) {
	ctx, stop := context.WithCancel(parent)
	s.stop = stop
	defer s.close()

	s.setState(StateAuthenticating)
	identity, err := s.h.auth.Authenticate(r)
	if err != nil {
		s.logger.Info().Err(err).Msg("Rejected unauthenticated voice connection")
		closeWith(s.conn, websocket.ClosePolicyViolation, "Unauthorized")
		return
	}
	s.userID = identity.UserID
	s.logger = observability.SessionLogger(s.h.logger, s.id, s.flowID, s.userID)
	s.events = newEventLog(s.logger)

	key, err := s.h.creds.Get(ctx, s.userID, "OPENAI_API_KEY")
	if err != nil {
		s.logger.Warn().Err(err).Msg("OpenAI API key missing")
		_ = writeJSONDirect(s.conn, missingKeyMessage("OPENAI_API_KEY", "OpenAI"))
		return
	}
	s.openAIKey = key

	meta := s.h.resolveFlow(ctx, s.conn, s.flowID, s.logger)
	if meta == nil {
		return
	}
	s.setState(StateFlowResolved)

	tool := upstream.FlowTool(meta.Description)
	s.setState(StateToolDescribed)

	up, err := upstream.Dial(ctx, s.upstreamConfig(), tool, s.logger)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect to realtime engine")
		s.metrics.RecordError("upstream_connect", "upstream")
		_ = writeJSONDirect(s.conn, errorMessage{Type: "error", Message: "Failed to connect to realtime engine"})
		return
	}
	s.up = up
	if err := up.UpdateSession(ctx, false); err != nil {
		s.logger.Error().Err(err).Msg("Failed to configure realtime session")
		return
	}

	s.writer = newClientWriter(s.conn, s.logger)
	s.dispatcher = tools.NewDispatcher(
		tools.Config{FlowID: s.flowID, InputNodeID: meta.InputNodeID},
		s.h.runner, up, s.forwardProgress, s.logger, s.metrics,
	)
	if s.bargeIn {
		s.startMonitor()
	}

	s.logger.Info().
		Str("input_node_id", meta.InputNodeID).
		Bool("barge_in", s.monitor != nil).
		Msg("Voice session streaming")
	s.setState(StateStreaming)
	s.stream(ctx)
}

func (s *session) upstreamConfig() upstream.Config {
	cfg := s.h.cfg
	return upstream.Config{
		URL:         cfg.RealtimeURL,
		Model:       cfg.RealtimeModel,
		APIKey:      s.openAIKey,
		Voice:       cfg.RealtimeVoice,
		Temperature: cfg.RealtimeTemperature,
		TurnDetection: upstream.TurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.TurnThreshold,
			PrefixPaddingMs:   cfg.TurnPrefixPaddingMs,
			SilenceDurationMs: cfg.TurnSilenceDurationMs,
		},
		TranscriptionModel: cfg.TranscriptionModel,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  10 * time.Second,
		},
	}
}

func (s *session) startMonitor() {
	cfg := s.h.cfg
	detector, err := s.h.newDetector(audio.DetectorConfig{
		Engine:          cfg.VADEngine,
		EnergyThreshold: cfg.VADEnergyThreshold,
		SpeechThreshold: cfg.VADSpeechThreshold,
		ModelPath:       cfg.VADModelPath,
		LibraryPath:     cfg.ORTLibraryPath,
		HangoverFrames:  cfg.VADHangoverFrames,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("VAD unavailable, barge-in disabled")
		s.metrics.RecordError("vad_init", "vad")
		return
	}
	s.detector = detector
	s.vadIn = make(chan string, vadBacklog)
	s.monitor = vad.NewMonitor(detector, &s.speaking, s.up, s.onBargeIn, s.logger, s.metrics)
}

// stream runs the pumps until one side ends the session
func (s *session) stream(parent context.Context) {
	ctx, abort := context.WithCancelCause(parent)
	s.abort = abort
	defer abort(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.guard("client_writer", func() error { return s.writer.run(gctx) }))
	g.Go(s.guard("client_pump", func() error { return s.pumpClient(gctx) }))
	g.Go(s.guard("upstream_demux", func() error { return s.demux(gctx) }))
	if s.monitor != nil {
		g.Go(s.guard("vad_monitor", func() error { return s.monitor.Run(gctx, s.vadIn) }))
	}
	g.Go(func() error {
		<-gctx.Done()
		// Unblock the socket reads so both pumps return.
		_ = s.conn.SetReadDeadline(time.Now())
		_ = s.up.Close()
		return nil
	})

	err := g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	switch {
	case isNormalClose(err), errors.Is(err, upstream.ErrDisconnected):
		s.logger.Info().Str("reason", endReason(err)).Msg("Voice session ending")
	default:
		s.logger.Error().Err(err).Msg("Voice session failed")
		s.metrics.RecordError("session", "gateway")
	}
}

func endReason(err error) string {
	switch {
	case errors.Is(err, errEndStream):
		return "end_stream"
	case errors.Is(err, errClientGone):
		return "client_disconnected"
	case errors.Is(err, upstream.ErrDisconnected):
		return "upstream_disconnected"
	case err == nil, errors.Is(err, context.Canceled):
		return "shutdown"
	}
	return err.Error()
}

// guard turns a panic in a session goroutine into an error that closes the session
func (s *session) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("task", name).Msg("Recovered panic in session task")
				s.metrics.RecordError("panic", name)
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

// goTask runs a per-turn or per-tool goroutine that close waits for
func (s *session) goTask(name string, fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if err := s.guard(name, func() error { fn(); return nil })(); err != nil && s.abort != nil {
			s.abort(err)
		}
	}()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancelTurns()
		s.stop()
		s.tasks.Wait()

		if s.up != nil {
			_ = s.up.Close()
		}
		if s.detector != nil {
			_ = s.detector.Close()
		}
		s.events.flush()
		closeWith(s.conn, websocket.CloseNormalClosure, "")

		s.metrics.RecordSessionEnd()
		s.setState(StateClosed)

		dropped := 0
		if s.writer != nil {
			dropped = s.writer.droppedFrames()
		}
		s.logger.Info().Int("dropped_frames", dropped).Msg("Voice session closed")
	})
}

// pumpClient forwards client messages upstream
func (s *session) pumpClient(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Warn().Err(err).Msg("Client read error")
			}
			return errClientGone
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed client message")
			continue
		}
		s.events.record(msg.Type, "client")

		switch msg.Type {
		case "input_audio_buffer.append":
			if msg.Audio == "" {
				continue
			}
			if err := s.up.SendAudio(ctx, msg.Audio); err != nil {
				return err
			}
			s.metrics.RecordAudioBytes("in", int64(base64.StdEncoding.DecodedLen(len(msg.Audio))))
			s.feedVAD(msg.Audio)
		case "elevenlabs.config":
			if err := s.configureTTS(ctx, msg); err != nil {
				return err
			}
		case "end_stream":
			s.logger.Info().Msg("Client requested end of stream")
			return errEndStream
		default:
			if err := s.up.SendRaw(ctx, data); err != nil {
				return err
			}
		}
	}
}

func (s *session) feedVAD(chunk string) {
	if s.vadIn == nil {
		return
	}
	select {
	case s.vadIn <- chunk:
	default:
		s.logger.Debug().Msg("VAD backlog full, dropping audio chunk")
	}
}

// configureTTS switches local speech synthesis for this session and
// reconfigures the upstream's output modalities to match
func (s *session) configureTTS(ctx context.Context, msg clientMessage) error {
	s.ttsMu.Lock()
	s.ttsEnabled = msg.Enabled != nil && *msg.Enabled
	if msg.VoiceID != "" {
		s.voiceID = msg.VoiceID
	}
	enabled := s.ttsEnabled
	s.ttsMu.Unlock()

	s.logger.Info().Bool("enabled", enabled).Str("voice_id", msg.VoiceID).Msg("TTS configuration updated")
	return s.up.UpdateSession(ctx, enabled)
}

func (s *session) ttsActive() bool {
	s.ttsMu.Lock()
	defer s.ttsMu.Unlock()
	return s.ttsEnabled
}

// demux forwards every upstream event to the client and routes the ones the
// relay acts on
func (s *session) demux(ctx context.Context) error {
	events := s.up.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := s.up.Err(); err != nil {
					return err
				}
				return upstream.ErrDisconnected
			}
			if err := s.handleUpstream(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *session) handleUpstream(ctx context.Context, ev upstream.Event) error {
	s.metrics.RecordUpstreamEvent(ev.Type())
	s.events.record(ev.Type(), "upstream")

	var err error
	if a, ok := ev.(*upstream.AudioDelta); ok {
		err = s.writer.sendTurn(ctx, responseTurnID(a.ResponseID), ev.Raw())
	} else {
		err = s.writer.send(ctx, ev.Raw())
	}
	if err != nil {
		return err
	}

	switch e := ev.(type) {
	case *upstream.TextDelta:
		s.onTextDelta(ctx, e)
	case *upstream.TextDone:
		s.endTurn()
	case *upstream.OutputItemAdded:
		s.turnMu.Lock()
		s.responseID = e.ResponseID
		s.turnMu.Unlock()
		s.speaking.Store(true)
		if e.Item.Type == "function_call" {
			s.dispatcher.Begin(e.Item.CallID, e.Item.Name)
		}
	case *upstream.OutputItemDone:
		s.speaking.Store(false)
	case *upstream.FunctionCallArgumentsDelta:
		s.dispatcher.AppendArguments(e.CallID, e.Delta)
	case *upstream.FunctionCallArgumentsDone:
		if call, ok := s.dispatcher.Finish(e.CallID, e.Arguments); ok {
			s.invokeTool(ctx, call)
		}
	case *upstream.AudioDelta:
	case *upstream.Error:
		s.logger.Warn().
			Str("code", e.Detail.Code).
			Str("error_type", e.Detail.Type).
			Str("message", e.Detail.Message).
			Msg("Realtime engine reported an error")
		s.metrics.RecordError("upstream_error", "upstream")
	case *upstream.Unknown:
		if e.Type() == "response.done" {
			s.endTurn()
		}
	}
	return nil
}

func responseTurnID(responseID string) string {
	if responseID == "" {
		return ""
	}
	return "response:" + responseID
}

func (s *session) onTextDelta(ctx context.Context, e *upstream.TextDelta) {
	if s.wasTalkedOver(e.ResponseID) {
		return
	}
	if t := s.current; t != nil && t.ctx.Err() != nil {
		if t.responseID == e.ResponseID {
			// The rest of a response the user talked over.
			return
		}
		s.endTurn()
	}
	if s.current == nil {
		if !s.ttsActive() {
			return
		}
		if s.current = s.startTurn(ctx, e.ResponseID); s.current == nil {
			return
		}
	}
	s.current.text.Push(e.Delta)
}

func (s *session) endTurn() {
	if s.current == nil {
		return
	}
	s.current.text.Close()
	s.current = nil
}

// startTurn launches the TTS bridge for a new turn. It waits for the previous
// turn's bridge so at most one synthesizes at a time.
func (s *session) startTurn(ctx context.Context, responseID string) *turn {
	synth := s.synthesizer(ctx)
	if synth == nil {
		return nil
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &turn{
		id:         uuid.NewString(),
		responseID: responseID,
		text:       chunker.NewStream(),
		ctx:        tctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	prev := s.lastTurnDone
	s.lastTurnDone = t.done

	s.turnMu.Lock()
	s.turns[t.id] = t
	s.turnMu.Unlock()

	bridge := tts.NewBridge(synth, chunker.New(s.h.cfg.ChunkFlushWindow()), s.deliverFrame, s.logger, s.metrics)
	s.goTask("tts_bridge", func() {
		defer func() {
			s.turnMu.Lock()
			delete(s.turns, t.id)
			s.turnMu.Unlock()
			cancel()
			close(t.done)
		}()
		if prev != nil {
			select {
			case <-prev:
			case <-tctx.Done():
				return
			}
		}
		_ = bridge.Run(tctx, t.id, t.text)
	})
	return t
}

func (s *session) deliverFrame(ctx context.Context, f tts.Frame) error {
	data, err := json.Marshal(audioDeltaMessage{
		Type:  "response.audio.delta",
		Delta: base64.StdEncoding.EncodeToString(f.Audio),
	})
	if err != nil {
		return err
	}
	return s.writer.sendTurn(ctx, f.TurnID, data)
}

// synthesizer returns the session's synthesizer, creating it on first use or
// after the voice changed. A missing key disables local TTS for the session.
func (s *session) synthesizer(ctx context.Context) tts.Synthesizer {
	s.ttsMu.Lock()
	if s.synth != nil && s.synthVoice == s.voiceID {
		defer s.ttsMu.Unlock()
		return s.synth
	}
	opts, keyErr := s.synthOptions(ctx)
	if keyErr == nil {
		synth, err := s.h.newSynth(opts)
		if err != nil {
			s.ttsMu.Unlock()
			s.logger.Error().Err(err).Str("provider", opts.Provider).Msg("Failed to create synthesizer")
			s.metrics.RecordError("tts_init", "tts")
			return nil
		}
		s.synth = synth
		s.synthVoice = s.voiceID
		s.ttsMu.Unlock()
		return synth
	}
	s.ttsEnabled = false
	s.ttsMu.Unlock()

	s.logger.Warn().Err(keyErr).Msg("Speech synthesis key missing, falling back to upstream audio")
	_ = s.writer.sendJSON(ctx, missingKeyMessage("ELEVENLABS_API_KEY", "ELEVENLABS"))
	if err := s.up.UpdateSession(ctx, false); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to restore upstream audio")
	}
	return nil
}

// synthOptions must be called with ttsMu held
func (s *session) synthOptions(ctx context.Context) (tts.Options, error) {
	cfg := s.h.cfg
	if cfg.TTSProvider == "openai" {
		return tts.Options{
			Provider: "openai",
			APIKey:   s.openAIKey,
			VoiceID:  cfg.OpenAITTSVoice,
			ModelID:  cfg.OpenAITTSModel,
		}, nil
	}

	key, err := s.h.creds.Get(ctx, s.userID, "ELEVENLABS_API_KEY")
	if err != nil {
		return tts.Options{}, err
	}
	voice := s.voiceID
	if voice == "" {
		voice = cfg.ElevenLabsVoiceID
	}
	return tts.Options{
		Provider: "elevenlabs",
		APIKey:   key,
		VoiceID:  voice,
		ModelID:  cfg.ElevenLabsModelID,
		BaseURL:  cfg.ElevenLabsWSURL,
	}, nil
}

// onBargeIn runs on the VAD goroutine before response.cancel is sent
func (s *session) onBargeIn() {
	s.turnMu.Lock()
	for _, t := range s.turns {
		s.writer.cancelTurn(t.id)
		t.cancel()
	}
	s.writer.cancelTurn(responseTurnID(s.responseID))
	if s.responseID != "" {
		s.talkedOver[s.responseID] = struct{}{}
	}
	s.turnMu.Unlock()
	s.logger.Info().Msg("Discarding assistant audio after barge-in")
}

func (s *session) wasTalkedOver(responseID string) bool {
	if responseID == "" {
		return false
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	_, ok := s.talkedOver[responseID]
	return ok
}

func (s *session) cancelTurns() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	for _, t := range s.turns {
		t.cancel()
	}
}

func (s *session) invokeTool(ctx context.Context, call *tools.PendingFunctionCall) {
	s.logger.Info().Str("call_id", call.CallID).Str("tool", call.Name).Msg("Dispatching tool call")
	s.goTask("tool_call", func() {
		if err := s.dispatcher.Invoke(ctx, call); err != nil {
			s.logger.Warn().Err(err).Str("call_id", call.CallID).Msg("Tool result not delivered")
		}
	})
}

func (s *session) forwardProgress(ctx context.Context, ev flow.ProgressEvent) error {
	return s.writer.sendJSON(ctx, progressMessage{Type: "flow.build.progress", Data: ev})
}
