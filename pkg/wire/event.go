// Package wire encodes and decodes the JSON event envelope spoken on the
// realtime socket. Every frame is a single JSON object with a "type"
// discriminator; audio rides inline as base64 PCM16.
package wire

// EventType identifies wire payload variants.
type EventType string

// Outbound event types.
const (
	TypeSessionUpdate  EventType = "session.update"
	TypeAudioAppend    EventType = "input_audio_buffer.append"
	TypeAudioCommit    EventType = "input_audio_buffer.commit"
	TypeResponseCreate EventType = "response.create"
	TypeItemCreate     EventType = "conversation.item.create"
)

// Inbound event types.
const (
	TypeSessionCreated          EventType = "session.created"
	TypeSessionUpdated          EventType = "session.updated"
	TypeSpeechStarted           EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped           EventType = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptDone     EventType = "conversation.item.input_audio_transcription.completed"
	TypeAssistantTranscriptDone EventType = "response.audio_transcript.done"
	TypeAudioDelta              EventType = "response.audio.delta"
	TypeAudioDone               EventType = "response.audio.done"
	TypeFunctionCallDone        EventType = "response.function_call_arguments.done"
	TypeResponseDone            EventType = "response.done"
	TypeError                   EventType = "error"
)

// Event is implemented by every wire message.
type Event interface {
	EventType() EventType
}

// Envelope carries only the discriminator, used to pick the concrete type.
type Envelope struct {
	Type EventType `json:"type"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Transcription configures input audio transcription.
type Transcription struct {
	Model string `json:"model"`
}

// ToolSchema describes one function the model may invoke.
type ToolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig is the payload of a session.update event.
type SessionConfig struct {
	Modalities         []string       `json:"modalities"`
	Instructions       string         `json:"instructions"`
	Voice              string         `json:"voice"`
	InputAudioFormat   string         `json:"input_audio_format"`
	OutputAudioFormat  string         `json:"output_audio_format"`
	InputTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection      *TurnDetection `json:"turn_detection,omitempty"`
	Tools              []ToolSchema   `json:"tools,omitempty"`
	ToolChoice         string         `json:"tool_choice,omitempty"`
}

// SessionUpdate configures the session. Fire-and-forget; the server answers
// with an informational session.updated.
type SessionUpdate struct {
	Type    EventType     `json:"type"`
	Session SessionConfig `json:"session"`
}

func (SessionUpdate) EventType() EventType { return TypeSessionUpdate }

// NewSessionUpdate builds a session.update event.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// AudioAppend carries one chunk of outbound microphone audio.
// encoding/json base64-encodes the byte slice on the wire.
type AudioAppend struct {
	Type  EventType `json:"type"`
	Audio []byte    `json:"audio"`
}

func (AudioAppend) EventType() EventType { return TypeAudioAppend }

// NewAudioAppend builds an input_audio_buffer.append event.
func NewAudioAppend(pcm16 []byte) AudioAppend {
	return AudioAppend{Type: TypeAudioAppend, Audio: pcm16}
}

// AudioCommit commits the input audio buffer.
type AudioCommit struct {
	Type EventType `json:"type"`
}

func (AudioCommit) EventType() EventType { return TypeAudioCommit }

// NewAudioCommit builds an input_audio_buffer.commit event.
func NewAudioCommit() AudioCommit {
	return AudioCommit{Type: TypeAudioCommit}
}

// ResponseConfig is the payload of a response.create event.
type ResponseConfig struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

// ResponseCreate asks the model to produce a response.
type ResponseCreate struct {
	Type     EventType      `json:"type"`
	Response ResponseConfig `json:"response"`
}

func (ResponseCreate) EventType() EventType { return TypeResponseCreate }

// NewResponseCreate builds a response.create event.
func NewResponseCreate(cfg ResponseConfig) ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate, Response: cfg}
}

// FunctionOutputItem is the item payload acknowledging a tool call.
type FunctionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// FunctionOutput answers a function call, correlated by call_id.
type FunctionOutput struct {
	Type EventType          `json:"type"`
	Item FunctionOutputItem `json:"item"`
}

func (FunctionOutput) EventType() EventType { return TypeItemCreate }

// NewFunctionOutput builds a conversation.item.create event carrying a
// function_call_output item.
func NewFunctionOutput(callID, output string) FunctionOutput {
	return FunctionOutput{
		Type: TypeItemCreate,
		Item: FunctionOutputItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// SessionInfo identifies the server-side session.
type SessionInfo struct {
	ID string `json:"id"`
}

// SessionCreated is the ready event; the first inbound event of a session.
type SessionCreated struct {
	Type    EventType   `json:"type"`
	Session SessionInfo `json:"session"`
}

func (SessionCreated) EventType() EventType { return TypeSessionCreated }

// SessionUpdated confirms configuration. Informational only.
type SessionUpdated struct {
	Type    EventType   `json:"type"`
	Session SessionInfo `json:"session"`
}

func (SessionUpdated) EventType() EventType { return TypeSessionUpdated }

// SpeechStarted reports server-side VAD detecting user speech.
type SpeechStarted struct {
	Type EventType `json:"type"`
}

func (SpeechStarted) EventType() EventType { return TypeSpeechStarted }

// SpeechStopped reports server-side VAD detecting end of user speech.
type SpeechStopped struct {
	Type EventType `json:"type"`
}

func (SpeechStopped) EventType() EventType { return TypeSpeechStopped }

// InputTranscriptDone carries the transcript of one user utterance.
type InputTranscriptDone struct {
	Type       EventType `json:"type"`
	ItemID     string    `json:"item_id"`
	Transcript string    `json:"transcript"`
}

func (InputTranscriptDone) EventType() EventType { return TypeInputTranscriptDone }

// AssistantTranscriptDone carries the transcript of one assistant utterance.
type AssistantTranscriptDone struct {
	Type       EventType `json:"type"`
	Transcript string    `json:"transcript"`
}

func (AssistantTranscriptDone) EventType() EventType { return TypeAssistantTranscriptDone }

// AudioDelta carries one chunk of streamed assistant audio.
type AudioDelta struct {
	Type  EventType `json:"type"`
	Delta []byte    `json:"delta"`
}

func (AudioDelta) EventType() EventType { return TypeAudioDelta }

// AudioDone marks the end of assistant audio for the current turn.
type AudioDone struct {
	Type EventType `json:"type"`
}

func (AudioDone) EventType() EventType { return TypeAudioDone }

// FunctionCallDone delivers a complete tool invocation from the model.
// Arguments is a raw JSON string, parsed by the tool-call protocol.
type FunctionCallDone struct {
	Type      EventType `json:"type"`
	CallID    string    `json:"call_id"`
	Name      string    `json:"name"`
	Arguments string    `json:"arguments"`
}

func (FunctionCallDone) EventType() EventType { return TypeFunctionCallDone }

// ResponseDone marks the end of a model turn.
type ResponseDone struct {
	Type EventType `json:"type"`
}

func (ResponseDone) EventType() EventType { return TypeResponseDone }

// ErrorDetail is the body of a server error event.
type ErrorDetail struct {
	Message string `json:"message"`
}

// ServerError reports a fatal server-side error.
type ServerError struct {
	Type  EventType   `json:"type"`
	Error ErrorDetail `json:"error"`
}

func (ServerError) EventType() EventType { return TypeError }

// Unhandled is the catch-all for event types this engine does not know.
// The upstream protocol adds event types; unknown frames must not kill
// the session.
type Unhandled struct {
	Type EventType
}

func (u Unhandled) EventType() EventType { return u.Type }
