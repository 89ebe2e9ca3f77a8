package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAIReadSize is 100ms of 24kHz PCM16.
const openAIReadSize = 4800

// OpenAISpeech synthesizes each chunk with the speech endpoint and streams
// the raw PCM body back as it downloads.
type OpenAISpeech struct {
	client *openai.Client
	model  string
	voice  string
}

// NewOpenAISpeech creates the OpenAI speech synthesizer
func NewOpenAISpeech(opts Options) (*OpenAISpeech, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("tts: openai api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.ModelID
	if model == "" {
		model = string(openai.TTSModel1)
	}
	voice := opts.VoiceID
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &OpenAISpeech{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		voice:  voice,
	}, nil
}

// Provider implements Synthesizer
func (o *OpenAISpeech) Provider() string { return "openai" }

// Stream implements Synthesizer
func (o *OpenAISpeech) Stream(ctx context.Context, chunks <-chan string, emit func([]byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if strings.TrimSpace(chunk) == "" {
				continue
			}
			if err := o.speak(ctx, chunk, emit); err != nil {
				return err
			}
		}
	}
}

func (o *OpenAISpeech) speak(ctx context.Context, text string, emit func([]byte) error) error {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.SpeechVoice(o.voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return fmt.Errorf("tts: openai speech: %w", err)
	}
	defer resp.Close()

	buf := make([]byte, openAIReadSize)
	carry := 0
	for {
		n, err := io.ReadFull(resp, buf[carry:])
		n += carry
		// Keep sample alignment across reads.
		whole := n &^ 1
		if whole > 0 {
			frame := make([]byte, whole)
			copy(frame, buf[:whole])
			if emitErr := emit(frame); emitErr != nil {
				return emitErr
			}
		}
		carry = copy(buf, buf[whole:n])

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tts: openai speech read: %w", err)
		}
	}
}
