package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client join/leave payloads.

type JoinDocumentPayload struct {
	DocumentID string `json:"documentId"`
}

type JoinSlidePayload struct {
	SlideID string `json:"slideId"`
}

type JoinOrganizationPayload struct {
	OrganizationID string `json:"organizationId"`
}

type JoinChatPayload struct {
	ProjectID string `json:"projectId"`
}

type LeaveChatPayload struct {
	ProjectID string `json:"projectId"`
}

// ChatMessage is the client-supplied portion of a chat send. The sender is
// never trusted from the payload; it is attached server-side from the
// connection's verified identity.
type ChatMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Mutation is the tagged variant decoded at the broadcast boundary. Each
// concrete kind knows which room it fans out in; downstream code never
// handles untyped blobs.
type Mutation interface {
	Room() string
	mutation()
}

// PersistableMutation is a mutation whose resulting state is scheduled for a
// debounced snapshot write. Chat messages are ephemeral and do not implement
// it.
type PersistableMutation interface {
	Mutation
	EntityKey() string
	StateBlob() []byte
}

// DocumentMutation carries a whole-text replacement for one document.
type DocumentMutation struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

func (m DocumentMutation) Room() string      { return DocumentRoom(m.DocumentID) }
func (m DocumentMutation) EntityKey() string { return DocumentEntity(m.DocumentID) }
func (m DocumentMutation) StateBlob() []byte { return []byte(m.Content) }
func (DocumentMutation) mutation()           {}

// SlideMutation carries a structured slide update. Title and content are
// optional; at least one must be present.
type SlideMutation struct {
	SlideID string          `json:"slideId"`
	Title   *string         `json:"title,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (m SlideMutation) Room() string      { return SlideRoom(m.SlideID) }
func (m SlideMutation) EntityKey() string { return SlideEntity(m.SlideID) }

// StateBlob serializes the slide state as a JSON object. The blob is opaque
// to the store and replaces the stored snapshot wholesale, like every other
// entity kind: a title-only update flushes without content, dropping any
// previously persisted content. Clients send the full slide state on every
// update, so partial flushes only occur for hand-crafted frames.
func (m SlideMutation) StateBlob() []byte {
	blob, err := json.Marshal(struct {
		Title   *string         `json:"title,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	}{Title: m.Title, Content: m.Content})
	if err != nil {
		return nil
	}
	return blob
}
func (SlideMutation) mutation() {}

// CanvasMutation carries a serialized canvas item list for one document.
type CanvasMutation struct {
	DocumentID string `json:"documentId"`
	CanvasData string `json:"canvasData"`
}

func (m CanvasMutation) Room() string      { return DocumentRoom(m.DocumentID) }
func (m CanvasMutation) EntityKey() string { return CanvasEntity(m.DocumentID) }
func (m CanvasMutation) StateBlob() []byte { return []byte(m.CanvasData) }
func (CanvasMutation) mutation()           {}

// ChatMutation carries one chat message for a project room. It is broadcast
// only, never persisted by this service.
type ChatMutation struct {
	ProjectID string      `json:"projectId"`
	Message   ChatMessage `json:"message"`
}

func (m ChatMutation) Room() string { return ChatRoom(m.ProjectID) }
func (ChatMutation) mutation()      {}

// DecodeMutation validates a mutation event's payload at the boundary and
// returns the typed variant. Unknown events and payloads missing their
// identifying fields fail with ErrUnknownEvent / ErrMalformedPayload.
func DecodeMutation(event string, data json.RawMessage) (Mutation, error) {
	switch event {
	case EventDocumentUpdate:
		var m DocumentMutation
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, event, err)
		}
		if strings.TrimSpace(m.DocumentID) == "" {
			return nil, fmt.Errorf("%w: %s: documentId is required", ErrMalformedPayload, event)
		}
		return m, nil
	case EventSlideUpdate:
		var m SlideMutation
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, event, err)
		}
		if strings.TrimSpace(m.SlideID) == "" {
			return nil, fmt.Errorf("%w: %s: slideId is required", ErrMalformedPayload, event)
		}
		if m.Title == nil && len(m.Content) == 0 {
			return nil, fmt.Errorf("%w: %s: title or content is required", ErrMalformedPayload, event)
		}
		return m, nil
	case EventCanvasUpdate:
		var m CanvasMutation
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, event, err)
		}
		if strings.TrimSpace(m.DocumentID) == "" {
			return nil, fmt.Errorf("%w: %s: documentId is required", ErrMalformedPayload, event)
		}
		return m, nil
	case EventChatSend:
		var m ChatMutation
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, event, err)
		}
		if strings.TrimSpace(m.ProjectID) == "" {
			return nil, fmt.Errorf("%w: %s: projectId is required", ErrMalformedPayload, event)
		}
		if strings.TrimSpace(m.Message.Content) == "" {
			return nil, fmt.Errorf("%w: %s: message content is required", ErrMalformedPayload, event)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
}

// Server payloads.

// PresenceUser is one online identity as exposed to clients.
type PresenceUser struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type JoinedDocumentPayload struct {
	DocumentID   string         `json:"documentId"`
	RoomName     string         `json:"roomName"`
	Content      string         `json:"content"`
	CanvasData   string         `json:"canvasData"`
	Participants []PresenceUser `json:"participants"`
}

type JoinedSlidePayload struct {
	SlideID  string          `json:"slideId"`
	RoomName string          `json:"roomName"`
	Title    string          `json:"title"`
	Content  json.RawMessage `json:"content,omitempty"`
}

type JoinedOrganizationPayload struct {
	OrganizationID string         `json:"organizationId"`
	RoomName       string         `json:"roomName"`
	OnlineUsers    []PresenceUser `json:"onlineUsers"`
}

type JoinedChatPayload struct {
	ProjectID string `json:"projectId"`
	RoomName  string `json:"roomName"`
}

type UserOfflinePayload struct {
	UserID string `json:"userId"`
}

// ChatSender is the server-verified author of a chat message.
type ChatSender struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type MessageNewPayload struct {
	ID        string     `json:"id"`
	Sender    ChatSender `json:"sender"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"`
}

// DocumentUpdateBroadcast mirrors the client mutation with the sender
// identity attached.
type DocumentUpdateBroadcast struct {
	DocumentID string       `json:"documentId"`
	Content    string       `json:"content"`
	UpdatedBy  PresenceUser `json:"updatedBy"`
}

type SlideUpdateBroadcast struct {
	SlideID   string          `json:"slideId"`
	Title     *string         `json:"title,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	UpdatedBy PresenceUser    `json:"updatedBy"`
}

type CanvasUpdateBroadcast struct {
	DocumentID string       `json:"documentId"`
	CanvasData string       `json:"canvasData"`
	UpdatedBy  PresenceUser `json:"updatedBy"`
}

// ErrorPayload is sent to the offending connection only; a bad message never
// terminates the connection or leaks to other rooms.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
