package wire

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame that could not be decoded. The transport
// logs and discards these; a single bad frame never terminates a session.
type DecodeError struct {
	Reason string
	Data   []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode: %s", e.Reason)
}

// Encode serializes an event to a single JSON frame.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", ev.EventType(), err)
	}
	return data, nil
}

// Decode parses one inbound frame. Unknown event types decode to
// Unhandled; malformed JSON or a missing type field is a *DecodeError.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON: " + err.Error(), Data: data}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing type field", Data: data}
	}

	switch env.Type {
	case TypeSessionCreated:
		return decodeAs[SessionCreated](data)
	case TypeSessionUpdated:
		return decodeAs[SessionUpdated](data)
	case TypeSpeechStarted:
		return decodeAs[SpeechStarted](data)
	case TypeSpeechStopped:
		return decodeAs[SpeechStopped](data)
	case TypeInputTranscriptDone:
		return decodeAs[InputTranscriptDone](data)
	case TypeAssistantTranscriptDone:
		return decodeAs[AssistantTranscriptDone](data)
	case TypeAudioDelta:
		return decodeAs[AudioDelta](data)
	case TypeAudioDone:
		return decodeAs[AudioDone](data)
	case TypeFunctionCallDone:
		return decodeAs[FunctionCallDone](data)
	case TypeResponseDone:
		return decodeAs[ResponseDone](data)
	case TypeError:
		return decodeAs[ServerError](data)
	default:
		return Unhandled{Type: env.Type}, nil
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &DecodeError{Reason: err.Error(), Data: data}
	}
	return ev, nil
}
