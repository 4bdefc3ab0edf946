package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-emitted event names.
const (
	EventJoinDocument     = "join-document"
	EventJoinSlide        = "join-slide"
	EventJoinOrganization = "join-organization"
	EventJoinChat         = "join-chat"
	EventLeaveChat        = "leave-chat"
	EventDocumentUpdate   = "document-update"
	EventSlideUpdate      = "slide-update"
	EventCanvasUpdate     = "canvas-update"
	EventChatSend         = "chat:send"
)

// Server-emitted event names. The three update events are shared: a peer
// mutation is rebroadcast under the same name it arrived with.
const (
	EventJoinedDocument     = "joined-document"
	EventJoinedSlide        = "joined-slide"
	EventJoinedOrganization = "joined-organization"
	EventJoinedChat         = "joined-chat"
	EventUserOnline         = "user-online"
	EventUserOffline        = "user-offline"
	EventMessageNew         = "message:new"
	EventError              = "error"
)

// Error codes carried by the error event.
const (
	CodeAuthError      = "AUTH_ERROR"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeAccessDenied   = "ACCESS_DENIED"
	CodeNotInRoom      = "NOT_IN_ROOM"
)

var (
	ErrMalformedEnvelope = errors.New("wire: malformed envelope")
	ErrMalformedPayload  = errors.New("wire: malformed payload")
	ErrUnknownEvent      = errors.New("wire: unknown event")
)

// Envelope is the frame exchanged over the connection: a multiplexed event
// name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a raw frame into an Envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// EncodeEnvelope serializes an event name and payload into a wire frame.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
