package upstream

import (
	"encoding/json"
	"fmt"
)

// Realtime event type names
const (
	TypeTextDelta                  = "response.text.delta"
	TypeTextDone                   = "response.text.done"
	TypeAudioDelta                 = "response.audio.delta"
	TypeOutputItemAdded            = "response.output_item.added"
	TypeOutputItemDone             = "response.output_item.done"
	TypeFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	TypeFunctionCallArgumentsDone  = "response.function_call_arguments.done"
	TypeError                      = "error"
)

// Event is one inbound realtime event. The concrete types below are the only
// implementations; Raw always holds the payload exactly as received so it can
// be forwarded to the client unchanged.
type Event interface {
	Type() string
	Raw() []byte
	isEvent()
}

type base struct {
	EventType string `json:"type"`
	raw       []byte
}

func (b base) Type() string { return b.EventType }
func (b base) Raw() []byte  { return b.raw }
func (base) isEvent()       {}

// TextDelta carries a fragment of assistant text
type TextDelta struct {
	base
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// TextDone marks the end of the assistant's text for one content part
type TextDone struct {
	base
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Text       string `json:"text"`
}

// AudioDelta carries base64 PCM16 produced by the upstream itself
type AudioDelta struct {
	base
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
}

// Item is a conversation item as reported in output item events
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	CallID string `json:"call_id,omitempty"`
	Status string `json:"status,omitempty"`
}

// OutputItemAdded marks the assistant starting an output item
type OutputItemAdded struct {
	base
	ResponseID string `json:"response_id"`
	Item       Item   `json:"item"`
}

// OutputItemDone marks the assistant finishing an output item
type OutputItemDone struct {
	base
	ResponseID string `json:"response_id"`
	Item       Item   `json:"item"`
}

// FunctionCallArgumentsDelta carries partial JSON arguments of a function call
type FunctionCallArgumentsDelta struct {
	base
	CallID string `json:"call_id"`
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

// FunctionCallArgumentsDone carries the complete arguments of a function call
type FunctionCallArgumentsDone struct {
	base
	CallID    string `json:"call_id"`
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ErrorDetail describes an upstream error
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

// Error is an error reported by the upstream engine
type Error struct {
	base
	Detail ErrorDetail `json:"error"`
}

// Unknown is any event type this relay does not interpret
type Unknown struct {
	base
}

// ParseEvent decodes one realtime message
func ParseEvent(data []byte) (Event, error) {
	var head base
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("upstream: decode event: %w", err)
	}
	head.raw = data

	var ev Event
	switch head.EventType {
	case TypeTextDelta:
		ev = &TextDelta{base: head}
	case TypeTextDone:
		ev = &TextDone{base: head}
	case TypeAudioDelta:
		ev = &AudioDelta{base: head}
	case TypeOutputItemAdded:
		ev = &OutputItemAdded{base: head}
	case TypeOutputItemDone:
		ev = &OutputItemDone{base: head}
	case TypeFunctionCallArgumentsDelta:
		ev = &FunctionCallArgumentsDelta{base: head}
	case TypeFunctionCallArgumentsDone:
		ev = &FunctionCallArgumentsDone{base: head}
	case TypeError:
		ev = &Error{base: head}
	default:
		return &Unknown{base: head}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("upstream: decode %s: %w", head.EventType, err)
	}
	return ev, nil
}
