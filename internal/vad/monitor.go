// Package vad watches client microphone audio for the user talking over the
// assistant and cancels the assistant's response when they do.
package vad

import (
	"context"
	"encoding/base64"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/observability"
)

// State of the monitor's frame pipeline
type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateSpeechDetected
	StateSilenceContinuing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateSpeechDetected:
		return "speech_detected"
	case StateSilenceContinuing:
		return "silence_continuing"
	}
	return "unknown"
}

// Canceler stops the assistant response in progress.
type Canceler interface {
	SendCancel(ctx context.Context) error
}

// Monitor classifies client audio and performs barge-in. speaking is shared
// with the session: the upstream demultiplexer sets it while the assistant
// produces a response and the monitor clears it.
type Monitor struct {
	detector  audio.Detector
	speaking  *atomic.Bool
	canceler  Canceler
	onBargeIn func()
	logger    zerolog.Logger
	metrics   *observability.Metrics

	acc        *audio.FrameAccumulator
	state      atomic.Int32
	lastSpeech time.Time
}

// NewMonitor creates a monitor. onBargeIn, when set, runs before the cancel
// is sent so queued assistant audio can be discarded first.
func NewMonitor(detector audio.Detector, speaking *atomic.Bool, canceler Canceler, onBargeIn func(), logger zerolog.Logger, metrics *observability.Metrics) *Monitor {
	return &Monitor{
		detector:  detector,
		speaking:  speaking,
		canceler:  canceler,
		onBargeIn: onBargeIn,
		logger:    logger.With().Str("component", "vad").Logger(),
		metrics:   metrics,
		acc:       audio.NewFrameAccumulator(audio.FrameBytes(audio.ClientSampleRate, audio.FrameDurationMs)),
	}
}

// State returns the current pipeline state
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Run consumes base64 PCM16 chunks until ctx is done or in is closed.
func (m *Monitor) Run(ctx context.Context, in <-chan string) error {
	m.lastSpeech = time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			m.Process(ctx, chunk)
		}
	}
}

// Process handles one base64 audio chunk. It reports whether a barge-in fired.
func (m *Monitor) Process(ctx context.Context, chunk string) bool {
	data, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Dropping undecodable audio chunk")
		m.recordError("decode")
		return false
	}

	frames := m.acc.Write(data)
	if len(frames) == 0 {
		m.state.Store(int32(StateAccumulating))
		return false
	}

	speech := false
	for _, frame := range frames {
		resampled, err := audio.Resample(frame, audio.ClientSampleRate, audio.VADSampleRate)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Skipping frame that failed to resample")
			m.recordError("resample")
			continue
		}
		isSpeech, err := m.detector.IsSpeech(resampled)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Skipping frame that failed classification")
			m.recordError("classify")
			continue
		}
		if isSpeech {
			speech = true
		}
	}

	if !speech {
		m.state.Store(int32(StateSilenceContinuing))
		m.logger.Trace().Dur("since_speech", time.Since(m.lastSpeech)).Msg("Silence")
		return false
	}

	m.state.Store(int32(StateSpeechDetected))
	m.lastSpeech = time.Now()

	if !m.speaking.CompareAndSwap(true, false) {
		return false
	}

	m.logger.Info().Msg("User speech during assistant response, cancelling")
	if m.metrics != nil {
		m.metrics.RecordBargeIn()
	}
	if m.onBargeIn != nil {
		m.onBargeIn()
	}
	if err := m.canceler.SendCancel(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to send response.cancel")
		m.recordError("cancel")
	}
	return true
}

func (m *Monitor) recordError(kind string) {
	if m.metrics != nil {
		m.metrics.RecordError(kind, "vad")
	}
}
