package upstream

// DefaultInstructions steer the assistant toward calling execute_flow.
const DefaultInstructions = "Converse with the user to assist with their question. " +
	"When appropriate, call the execute_flow function to assist with the user's question " +
	"as the input parameter and use that to craft your responses. " +
	"Always tell the user before you call a function to assist with their question. " +
	"And let them know what it does."

// ToolName is the single function exposed to the realtime engine.
const ToolName = "execute_flow"

const defaultToolDescription = "Execute the flow with the given input"

// SessionUpdateEvent reconfigures the realtime session
type SessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig is the body of session.update
type SessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice"`
	Temperature             float64             `json:"temperature"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	TurnDetection           TurnDetection       `json:"turn_detection"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool              `json:"tools"`
	ToolChoice              string              `json:"tool_choice"`
}

// TurnDetection configures server-side voice activity detection
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// AudioTranscription selects the model transcribing user audio
type AudioTranscription struct {
	Model string `json:"model"`
}

// Tool is a function declaration offered to the model
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the JSON schema of a tool's arguments
type ToolParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required"`
}

// ToolProperty describes one argument
type ToolProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// FlowTool describes a flow as the execute_flow tool. An empty description
// falls back to a generic one.
func FlowTool(description string) Tool {
	if description == "" {
		description = defaultToolDescription
	}
	return Tool{
		Type:        "function",
		Name:        ToolName,
		Description: description,
		Parameters: ToolParameters{
			Type: "object",
			Properties: map[string]ToolProperty{
				"input": {Type: "string", Description: "The input to send to the flow"},
			},
			Required: []string{"input"},
		},
	}
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typedEvent struct {
	Type string `json:"type"`
}

type conversationItemCreateEvent struct {
	Type string             `json:"type"`
	Item functionCallOutput `json:"item"`
}

type functionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}
