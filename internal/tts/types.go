package tts

import (
	"context"
)

// SampleRate of every synthesized frame; matches the client playback rate.
const SampleRate = 24000

// Synthesizer converts a turn's text chunks into PCM16 mono audio at
// SampleRate. Stream blocks until chunks is closed and all audio has been
// handed to emit, ctx ends, or the provider fails. Frames are emitted in
// playback order; an emit error aborts the stream.
type Synthesizer interface {
	Stream(ctx context.Context, chunks <-chan string, emit func(pcm []byte) error) error
	Provider() string
}

// Frame is one piece of synthesized audio belonging to a turn
type Frame struct {
	TurnID string
	Audio  []byte
}

// Options selects a provider and voice for a session
type Options struct {
	Provider string // "elevenlabs" or "openai"
	APIKey   string
	VoiceID  string
	ModelID  string
	BaseURL  string // override for the provider endpoint
}
