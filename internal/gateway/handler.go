// Package gateway serves the client-facing voice websockets and runs one
// relay session per connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/auth"
	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/flow"
	"github.com/lexiqai/voice-relay/internal/tts"
)

// Routes served by the gateway
const (
	RealtimePath    = "/api/v1/voice/ws/flow_as_tool/{flow_id}"
	EventStreamPath = "/api/v1/voice/ws/{flow_id}"
)

// CloseFlowUnavailable is sent when the flow is missing or has no input node
const CloseFlowUnavailable = 4004

var (
	errClientGone = errors.New("client disconnected")
	errEndStream  = errors.New("client ended stream")
)

// CredentialStore resolves per-user API keys
type CredentialStore interface {
	Get(ctx context.Context, userID, name string) (string, error)
}

// Option customizes a Handler
type Option func(*Handler)

// WithSynthesizerFactory replaces tts.New
func WithSynthesizerFactory(fn func(tts.Options) (tts.Synthesizer, error)) Option {
	return func(h *Handler) { h.newSynth = fn }
}

// WithDetectorFactory replaces audio.NewDetector
func WithDetectorFactory(fn func(audio.DetectorConfig) (audio.Detector, error)) Option {
	return func(h *Handler) { h.newDetector = fn }
}

// Handler accepts voice websockets
type Handler struct {
	cfg         *config.Config
	auth        *auth.Validator
	flows       flow.Resolver
	runner      flow.Runner
	creds       CredentialStore
	newSynth    func(tts.Options) (tts.Synthesizer, error)
	newDetector func(audio.DetectorConfig) (audio.Detector, error)
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	active   atomic.Int64

	stateHook func(sessionID string, st State)
}

// NewHandler wires the gateway to its collaborators
func NewHandler(cfg *config.Config, validator *auth.Validator, flows flow.Resolver, runner flow.Runner, creds CredentialStore, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		cfg:         cfg,
		auth:        validator,
		flows:       flows,
		runner:      runner,
		creds:       creds,
		newSynth:    tts.New,
		newDetector: audio.NewDetector,
		upgrader: websocket.Upgrader{
			// Identity comes from the access token, not the origin
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With().Str("component", "gateway").Logger(),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts both websocket routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+RealtimePath, h.ServeRealtime)
	mux.HandleFunc("GET "+EventStreamPath, h.ServeEventStream)
}

// ActiveSessions reports the number of open connections
func (h *Handler) ActiveSessions() int64 {
	return h.active.Load()
}

// Shutdown ends every open session and waits for them to close
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	return h.Wait(ctx)
}

// Wait blocks until every session has closed or ctx is done
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// accept upgrades the request and authenticates the caller. On failure the
// socket is already closed and nil is returned.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, *auth.Identity) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return nil, nil
	}

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Info().Err(err).Str("path", r.URL.Path).Msg("Rejected unauthenticated voice connection")
		closeWith(conn, websocket.ClosePolicyViolation, "Unauthorized")
		return nil, nil
	}
	return conn, identity
}

// resolveFlow loads flow metadata, closing the socket with the matching
// code when the flow cannot be used
func (h *Handler) resolveFlow(ctx context.Context, conn *websocket.Conn, flowID string, logger zerolog.Logger) *flow.Metadata {
	meta, err := h.flows.ResolveFlow(ctx, flowID)
	switch {
	case err == nil:
		return meta
	case errors.Is(err, flow.ErrNoInputNode):
		logger.Warn().Msg("Flow has no ChatInput component")
		closeWith(conn, CloseFlowUnavailable, flow.ErrNoInputNode.Error())
	case errors.Is(err, flow.ErrFlowNotFound):
		logger.Warn().Msg("Flow not found")
		closeWith(conn, CloseFlowUnavailable, fmt.Sprintf("Flow with id %s not found", flowID))
	default:
		logger.Error().Err(err).Msg("Failed to load flow")
		_ = writeJSONDirect(conn, map[string]string{"error": "Failed to load flow: " + err.Error()})
		closeWith(conn, websocket.CloseInternalServerErr, "Failed to load flow")
	}
	return nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	// Close reasons are limited to 123 bytes.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

// writeJSONDirect is used before the session writer is running
func writeJSONDirect(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return conn.WriteJSON(v)
}

func isNormalClose(err error) bool {
	return err == nil ||
		errors.Is(err, errClientGone) ||
		errors.Is(err, errEndStream) ||
		errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
