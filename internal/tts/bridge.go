package tts

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/chunker"
	"github.com/lexiqai/voice-relay/internal/observability"
)

// DeliverFunc hands a synthesized frame to the session's client writer.
type DeliverFunc func(ctx context.Context, f Frame) error

// Bridge runs one turn of speech synthesis: it chunks the turn's text
// stream, feeds the chunks to the synthesizer on its own goroutine and
// delivers every frame, in order, through deliver.
type Bridge struct {
	synth   Synthesizer
	chunker *chunker.Chunker
	deliver DeliverFunc
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewBridge creates a bridge bound to one session's synthesizer and writer
func NewBridge(synth Synthesizer, ch *chunker.Chunker, deliver DeliverFunc, logger zerolog.Logger, metrics *observability.Metrics) *Bridge {
	return &Bridge{
		synth:   synth,
		chunker: ch,
		deliver: deliver,
		logger:  logger.With().Str("component", "tts").Str("provider", synth.Provider()).Logger(),
		metrics: metrics,
	}
}

// Run blocks until the turn's audio is fully delivered, ctx is cancelled or
// synthesis fails. Cancellation is not an error.
func (b *Bridge) Run(ctx context.Context, turnID string, text *chunker.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan string, 16)
	chunkerDone := make(chan struct{})
	go func() {
		defer close(chunkerDone)
		b.chunker.Run(ctx, text, chunks)
	}()

	start := time.Now()
	var firstAudio time.Duration
	frames := 0

	err := b.synth.Stream(ctx, chunks, func(pcm []byte) error {
		if len(pcm) == 0 {
			return nil
		}
		if frames == 0 {
			firstAudio = time.Since(start)
		}
		frames++
		if b.metrics != nil {
			b.metrics.RecordAudioBytes("out", int64(len(pcm)))
		}
		return b.deliver(ctx, Frame{TurnID: turnID, Audio: pcm})
	})

	cancel()
	<-chunkerDone

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if b.metrics != nil {
		b.metrics.RecordTTSTurn(b.synth.Provider(), firstAudio, err == nil)
	}
	if err != nil {
		b.logger.Error().Err(err).Str("turn_id", turnID).Msg("Speech synthesis failed, ending turn audio")
		if b.metrics != nil {
			b.metrics.RecordError("synthesis", "tts")
		}
		return err
	}

	b.logger.Debug().
		Str("turn_id", turnID).
		Int("frames", frames).
		Dur("first_audio", firstAudio).
		Msg("Turn audio complete")
	return nil
}

// New creates the synthesizer selected by opts.Provider
func New(opts Options) (Synthesizer, error) {
	switch opts.Provider {
	case "", "elevenlabs":
		s, err := NewElevenLabs(opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "openai":
		s, err := NewOpenAISpeech(opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.New("tts: unknown provider " + opts.Provider)
	}
}
