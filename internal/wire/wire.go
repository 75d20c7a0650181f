// Package wire defines the framed JSON messages exchanged with the remote
// speech-to-speech service and the tagged-union event type the session
// controller dispatches over.
//
// Outgoing audio travels as base64 PCM inside a media frame; incoming
// messages are a union of audio chunks, transcript fragments, and control
// signals. The transport and session negotiation around these shapes belong
// to the transport layer, not here.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/GriffinCanCode/converse/internal/codec"
)

// Speaker tags for transcript fragments.
const (
	SpeakerUser  = "user"
	SpeakerModel = "model"
)

// Event is one incoming message from the remote service.
type Event interface{ event() }

// AudioChunk carries decoded synthesized audio bytes (24 kHz s16le mono PCM).
type AudioChunk struct {
	Data []byte
}

// TranscriptFragment carries streamed transcription text for one speaker.
type TranscriptFragment struct {
	Speaker string
	Text    string
}

// TurnComplete signals that the current exchange turn has finished.
type TurnComplete struct{}

// Interrupted signals that the user began speaking over in-progress playback.
type Interrupted struct{}

// Closed signals a graceful remote shutdown of the channel.
type Closed struct{}

// RemoteError signals a mid-session failure reported by the service.
type RemoteError struct {
	Message string
}

func (AudioChunk) event()         {}
func (TranscriptFragment) event() {}
func (TurnComplete) event()       {}
func (Interrupted) event()        {}
func (Closed) event()             {}
func (RemoteError) event()        {}

// Incoming message shapes.

type serverMessage struct {
	AudioChunk         *audioChunkMsg         `json:"audioChunk,omitempty"`
	TranscriptFragment *transcriptFragmentMsg `json:"transcriptFragment,omitempty"`
	TurnComplete       *json.RawMessage       `json:"turnComplete,omitempty"`
	Interrupted        *json.RawMessage       `json:"interrupted,omitempty"`
	Closed             *json.RawMessage       `json:"closed,omitempty"`
	Error              *errorMsg              `json:"error,omitempty"`
}

type audioChunkMsg struct {
	Bytes string `json:"bytes"` // base64-encoded PCM
}

type transcriptFragmentMsg struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type errorMsg struct {
	Message string `json:"message"`
}

// Parse decodes one framed server message into its events, preserving the
// field order audioChunk, transcriptFragment, turnComplete, interrupted,
// closed, error when a frame carries more than one. Unknown frames yield no
// events and no error.
func Parse(data []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode server message: %w", err)
	}

	var events []Event
	if msg.AudioChunk != nil {
		audio, err := codec.FromTransportText(msg.AudioChunk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("wire: decode audio payload: %w", err)
		}
		events = append(events, AudioChunk{Data: audio})
	}
	if msg.TranscriptFragment != nil {
		events = append(events, TranscriptFragment{
			Speaker: msg.TranscriptFragment.Speaker,
			Text:    msg.TranscriptFragment.Text,
		})
	}
	if msg.TurnComplete != nil {
		events = append(events, TurnComplete{})
	}
	if msg.Interrupted != nil {
		events = append(events, Interrupted{})
	}
	if msg.Closed != nil {
		events = append(events, Closed{})
	}
	if msg.Error != nil {
		events = append(events, RemoteError{Message: msg.Error.Message})
	}
	return events, nil
}

// Outgoing message shapes.

type mediaMessage struct {
	Media mediaPayload `json:"media"`
}

type mediaPayload struct {
	Bytes string `json:"bytes"` // base64 of 16-bit s16le PCM, 16 kHz mono
}

// EncodeMedia frames one captured PCM buffer for transmission.
func EncodeMedia(pcm []byte) ([]byte, error) {
	msg := mediaMessage{Media: mediaPayload{Bytes: codec.ToTransportText(pcm)}}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode media frame: %w", err)
	}
	return data, nil
}

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string `json:"model,omitempty"`
	Voice             string `json:"voice,omitempty"`
	SystemInstruction string `json:"systemInstruction,omitempty"`
}

// Setup holds session options sent once when the channel opens.
type Setup struct {
	Model             string
	Voice             string
	SystemInstruction string
}

// EncodeSetup frames the session options message.
func EncodeSetup(s Setup) ([]byte, error) {
	msg := setupMessage{Setup: setupPayload{
		Model:             s.Model,
		Voice:             s.Voice,
		SystemInstruction: s.SystemInstruction,
	}}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode setup frame: %w", err)
	}
	return data, nil
}
