package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"
	elevenLabsOutputFormat  = "pcm_24000"
)

// ElevenLabs streams text over the stream-input websocket and receives PCM
// as it is generated. One connection is opened per turn.
type ElevenLabs struct {
	apiKey  string
	voiceID string
	modelID string
	baseURL string
	dialer  *websocket.Dialer
}

// NewElevenLabs creates the ElevenLabs synthesizer
func NewElevenLabs(opts Options) (*ElevenLabs, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("tts: elevenlabs api key is required")
	}
	if strings.TrimSpace(opts.VoiceID) == "" {
		return nil, errors.New("tts: elevenlabs voice id is required")
	}
	return &ElevenLabs{
		apiKey:  strings.TrimSpace(opts.APIKey),
		voiceID: strings.TrimSpace(opts.VoiceID),
		modelID: opts.ModelID,
		baseURL: opts.BaseURL,
		dialer:  websocket.DefaultDialer,
	}, nil
}

// Provider implements Synthesizer
func (e *ElevenLabs) Provider() string { return "elevenlabs" }

type elevenLabsMessage struct {
	Text                 string             `json:"text"`
	VoiceSettings        *elevenLabsVoice   `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool               `json:"try_trigger_generation,omitempty"`
	GenerationConfig     *elevenLabsGenConf `json:"generation_config,omitempty"`
}

type elevenLabsVoice struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsGenConf struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

type elevenLabsResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Stream implements Synthesizer
func (e *ElevenLabs) Stream(ctx context.Context, chunks <-chan string, emit func([]byte) error) error {
	endpoint, err := buildElevenLabsURL(e.baseURL, e.voiceID, e.modelID)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)

	conn, resp, err := e.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("tts: elevenlabs dial: %w", err)
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Unblock the reader when the turn is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-gctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	g.Go(func() error {
		// The first message must contain a single space.
		if err := e.write(conn, elevenLabsMessage{
			Text:          " ",
			VoiceSettings: &elevenLabsVoice{Stability: 0.5, SimilarityBoost: 0.8},
		}); err != nil {
			return err
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case chunk, ok := <-chunks:
				if !ok {
					return e.write(conn, elevenLabsMessage{Text: ""})
				}
				if strings.TrimSpace(chunk) == "" {
					continue
				}
				if err := e.write(conn, elevenLabsMessage{Text: chunk, TryTriggerGeneration: true}); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if gctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return fmt.Errorf("tts: elevenlabs read: %w", err)
			}

			var msg elevenLabsResponse
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Error != "" {
				return fmt.Errorf("tts: elevenlabs: %s", msg.Error)
			}
			if msg.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					return fmt.Errorf("tts: elevenlabs audio: %w", err)
				}
				if err := emit(pcm); err != nil {
					return err
				}
			}
			if msg.IsFinal {
				return nil
			}
		}
	})

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (e *ElevenLabs) write(conn *websocket.Conn, msg elevenLabsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("tts: elevenlabs write: %w", err)
	}
	return nil
}

func buildElevenLabsURL(base, voiceID, modelID string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultElevenLabsWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("tts: invalid elevenlabs url: %w", err)
	}
	q := u.Query()
	if modelID != "" {
		q.Set("model_id", modelID)
	}
	q.Set("output_format", elevenLabsOutputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
