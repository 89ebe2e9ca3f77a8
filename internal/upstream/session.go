// Package upstream owns the socket to the realtime conversational engine.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/resilience"
)

// ErrDisconnected is reported once the upstream socket is gone.
var ErrDisconnected = errors.New("upstream: disconnected")

const (
	writeTimeout  = 10 * time.Second
	eventsBacklog = 256
)

// Config configures the realtime session
type Config struct {
	URL                string
	Model              string
	APIKey             string
	Instructions       string
	Voice              string
	Temperature        float64
	TurnDetection      TurnDetection
	TranscriptionModel string
	Reconnect          *resilience.ReconnectConfig
}

// Session is one realtime connection. Sends are safe for concurrent use;
// Events must be drained by a single consumer.
type Session struct {
	cfg    Config
	tool   Tool
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial connects to the realtime engine, retrying transient failures, and
// starts reading events. The caller sends the initial configuration with
// UpdateSession.
func Dial(ctx context.Context, cfg Config, tool Tool, logger zerolog.Logger) (*Session, error) {
	endpoint, err := realtimeURL(cfg.URL, cfg.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	logger = logger.With().Str("component", "upstream").Logger()
	conn, err := resilience.Dial(ctx, logger, cfg.Reconnect, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil && resp != nil && resp.StatusCode >= http.StatusInternalServerError {
			return nil, resilience.NewRetryableError(err)
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: dial %s: %w", cfg.URL, err)
	}

	return NewSession(conn, cfg, tool, logger), nil
}

// NewSession wraps an established connection and starts its read loop
func NewSession(conn *websocket.Conn, cfg Config, tool Tool, logger zerolog.Logger) *Session {
	s := &Session{
		cfg:    cfg,
		tool:   tool,
		conn:   conn,
		logger: logger,
		events: make(chan Event, eventsBacklog),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func realtimeURL(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("upstream: invalid url %q: %w", base, err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Events returns inbound events. The channel is closed when the connection ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Err returns why the session ended, or nil while it is open
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed upstream event")
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// SessionConfig builds the session.update body. textOnly disables upstream
// audio output when speech is synthesized locally.
func (s *Session) SessionConfig(textOnly bool) SessionConfig {
	modalities := []string{"text", "audio"}
	if textOnly {
		modalities = []string{"text"}
	}
	instructions := s.cfg.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	var transcription *AudioTranscription
	if s.cfg.TranscriptionModel != "" {
		transcription = &AudioTranscription{Model: s.cfg.TranscriptionModel}
	}
	return SessionConfig{
		Modalities:              modalities,
		Instructions:            instructions,
		Voice:                   s.cfg.Voice,
		Temperature:             s.cfg.Temperature,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		TurnDetection:           s.cfg.TurnDetection,
		InputAudioTranscription: transcription,
		Tools:                   []Tool{s.tool},
		ToolChoice:              "auto",
	}
}

// UpdateSession sends session.update
func (s *Session) UpdateSession(ctx context.Context, textOnly bool) error {
	return s.sendJSON(ctx, SessionUpdateEvent{Type: "session.update", Session: s.SessionConfig(textOnly)})
}

// SendAudio appends base64 PCM16 to the upstream input buffer
func (s *Session) SendAudio(ctx context.Context, audio string) error {
	return s.sendJSON(ctx, audioAppendEvent{Type: "input_audio_buffer.append", Audio: audio})
}

// SendCancel asks the engine to stop the response in progress
func (s *Session) SendCancel(ctx context.Context) error {
	return s.sendJSON(ctx, typedEvent{Type: "response.cancel"})
}

// SendToolResult delivers a function_call_output for callID
func (s *Session) SendToolResult(ctx context.Context, callID, output string) error {
	return s.sendJSON(ctx, conversationItemCreateEvent{
		Type: "conversation.item.create",
		Item: functionCallOutput{Type: "function_call_output", CallID: callID, Output: output},
	})
}

// SendResponseCreate asks the engine to continue generating
func (s *Session) SendResponseCreate(ctx context.Context) error {
	return s.sendJSON(ctx, typedEvent{Type: "response.create"})
}

// SendRaw forwards a client message unchanged
func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	return s.write(ctx, data)
}

func (s *Session) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: encode: %w", err)
	}
	return s.write(ctx, data)
}

func (s *Session) write(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrDisconnected
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.shutdown(err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		if cause == nil {
			s.err = ErrDisconnected
		} else {
			s.err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
		}
		s.errMu.Unlock()
		close(s.done)
		_ = s.conn.Close()

		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Debug().Err(cause).Msg("Upstream connection ended")
		}
	})
}

// Close sends a close frame and tears down the connection. Safe to call more than once.
func (s *Session) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.shutdown(nil)
	return nil
}
