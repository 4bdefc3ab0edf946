package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/orbitalworks/collabsync/internal/auth"
	"github.com/orbitalworks/collabsync/internal/registry"
	"github.com/orbitalworks/collabsync/internal/wire"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Canvas blobs are the largest
	// payloads this service carries.
	maxMessageSize = 512 * 1024

	orgRoomPrefix = "org:"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleConnect authenticates the handshake and promotes the request to a
// websocket session. Verification failure refuses the connection before any
// room operation is possible.
func (h *httpHandler) handleConnect(c *gin.Context) {
	token := auth.ExtractHandshakeToken(c.Request)
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("connection refused", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := registry.NewConnection(uuid.NewString(), identity)
	if err := h.registry.Register(client); err != nil {
		h.logger.Error("connection registration failed", zap.Error(err))
		socket.Close()
		return
	}

	sess := &session{
		handler:  h,
		socket:   socket,
		client:   client,
		identity: identity,
		logger: h.logger.With(
			zap.String("connection_id", client.ID()),
			zap.String("user_id", identity.UserID)),
	}
	sess.logger.Info("client connected")

	go sess.writePump()
	sess.readPump()
}

// session binds one websocket to its registry connection and routes decoded
// events to the collaboration components.
type session struct {
	handler  *httpHandler
	socket   *websocket.Conn
	client   *registry.Connection
	identity auth.Identity
	logger   *zap.Logger

	// documentRoom tracks the single document room this connection occupies;
	// joining another document leaves the previous one first.
	documentRoom string
}

// readPump pulls frames off the socket and dispatches them until the
// transport reports a disconnect, then tears the connection down.
func (s *session) readPump() {
	defer s.teardown()

	s.socket.SetReadLimit(maxMessageSize)
	_ = s.socket.SetReadDeadline(time.Now().Add(pongWait))
	s.socket.SetPongHandler(func(string) error {
		_ = s.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := s.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		envelope, err := wire.DecodeEnvelope(raw)
		if err != nil {
			// One bad frame never terminates the connection.
			s.logger.Debug("dropping malformed frame", zap.Error(err))
			s.sendError(wire.CodeInvalidPayload, "malformed frame")
			continue
		}
		s.dispatch(envelope)
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.socket.Close()
	}()

	for {
		select {
		case frame, ok := <-s.client.Outbound():
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown removes the connection from every room and notifies presence
// peers. Deregistration is idempotent, so a racing explicit logout and
// transport close cannot double-announce a departure.
func (s *session) teardown() {
	roomsLeft := s.handler.registry.Deregister(s.client.ID())
	for _, roomName := range roomsLeft {
		if !strings.HasPrefix(roomName, orgRoomPrefix) {
			continue
		}
		if s.handler.presence.Leave(roomName, s.identity.UserID) {
			s.handler.broadcaster.Deliver(roomName, wire.EventUserOffline,
				wire.UserOfflinePayload{UserID: s.identity.UserID})
		}
	}
	s.socket.Close()
	s.logger.Info("client disconnected", zap.Int("rooms_left", len(roomsLeft)))
}

func (s *session) dispatch(envelope wire.Envelope) {
	switch envelope.Event {
	case wire.EventJoinDocument:
		s.handleJoinDocument(envelope.Data)
	case wire.EventJoinSlide:
		s.handleJoinSlide(envelope.Data)
	case wire.EventJoinOrganization:
		s.handleJoinOrganization(envelope.Data)
	case wire.EventJoinChat:
		s.handleJoinChat(envelope.Data)
	case wire.EventLeaveChat:
		s.handleLeaveChat(envelope.Data)
	case wire.EventDocumentUpdate, wire.EventSlideUpdate, wire.EventCanvasUpdate, wire.EventChatSend:
		s.handleMutation(envelope.Event, envelope.Data)
	default:
		s.logger.Debug("unknown event", zap.String("event", envelope.Event))
		s.sendError(wire.CodeInvalidPayload, "unknown event: "+envelope.Event)
	}
}

// handleJoinDocument admits the connection to a document room and reconciles
// it to current state. The snapshot is enqueued before the membership is
// added, so on the connection's FIFO outbound queue no live mutation can
// ever precede the base state.
func (s *session) handleJoinDocument(data json.RawMessage) {
	var payload wire.JoinDocumentPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.DocumentID) == "" {
		s.sendError(wire.CodeInvalidPayload, "documentId is required")
		return
	}

	roomName := wire.DocumentRoom(payload.DocumentID)
	if s.documentRoom != "" && s.documentRoom != roomName {
		s.handler.registry.Leave(s.client.ID(), s.documentRoom)
	}

	ctx, cancel := s.joinContext()
	defer cancel()
	base, occupants := s.handler.gate.OnJoin(ctx, wire.DocumentEntity(payload.DocumentID), roomName)
	canvas := s.handler.gate.Base(ctx, wire.CanvasEntity(payload.DocumentID))

	s.sendToSelf(wire.EventJoinedDocument, wire.JoinedDocumentPayload{
		DocumentID:   payload.DocumentID,
		RoomName:     roomName,
		Content:      string(base.Blob),
		CanvasData:   string(canvas.Blob),
		Participants: presenceUsers(occupants),
	})
	if err := s.handler.registry.Join(s.client.ID(), roomName); err != nil {
		s.logger.Warn("document join failed", zap.Error(err))
		return
	}
	s.documentRoom = roomName
	s.logger.Info("joined document", zap.String("room", roomName))
}

func (s *session) handleJoinSlide(data json.RawMessage) {
	var payload wire.JoinSlidePayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.SlideID) == "" {
		s.sendError(wire.CodeInvalidPayload, "slideId is required")
		return
	}

	roomName := wire.SlideRoom(payload.SlideID)
	ctx, cancel := s.joinContext()
	defer cancel()
	base, _ := s.handler.gate.OnJoin(ctx, wire.SlideEntity(payload.SlideID), roomName)

	joined := wire.JoinedSlidePayload{
		SlideID:  payload.SlideID,
		RoomName: roomName,
	}
	if base.Exists {
		var state struct {
			Title   *string         `json:"title"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(base.Blob, &state); err == nil {
			if state.Title != nil {
				joined.Title = *state.Title
			}
			joined.Content = state.Content
		}
	}

	s.sendToSelf(wire.EventJoinedSlide, joined)
	if err := s.handler.registry.Join(s.client.ID(), roomName); err != nil {
		s.logger.Warn("slide join failed", zap.Error(err))
		return
	}
	s.logger.Info("joined slide", zap.String("room", roomName))
}

func (s *session) handleJoinOrganization(data json.RawMessage) {
	var payload wire.JoinOrganizationPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.OrganizationID) == "" {
		s.sendError(wire.CodeInvalidPayload, "organizationId is required")
		return
	}
	if payload.OrganizationID != s.identity.OrganizationID {
		s.sendError(wire.CodeAccessDenied, "not a member of this organization")
		return
	}

	roomName := wire.OrgRoom(payload.OrganizationID)
	if s.handler.registry.InRoom(s.client.ID(), roomName) {
		// Repeated join from the same connection: resend the snapshot
		// without inflating the presence reference count.
		s.sendToSelf(wire.EventJoinedOrganization, wire.JoinedOrganizationPayload{
			OrganizationID: payload.OrganizationID,
			RoomName:       roomName,
			OnlineUsers:    presenceUsersExcept(s.handler.presence.Snapshot(roomName), s.identity.UserID),
		})
		return
	}

	online, first := s.handler.presence.Join(roomName, s.identity)
	s.sendToSelf(wire.EventJoinedOrganization, wire.JoinedOrganizationPayload{
		OrganizationID: payload.OrganizationID,
		RoomName:       roomName,
		OnlineUsers:    presenceUsers(online),
	})
	if err := s.handler.registry.Join(s.client.ID(), roomName); err != nil {
		s.logger.Warn("organization join failed", zap.Error(err))
		s.handler.presence.Leave(roomName, s.identity.UserID)
		return
	}
	if first {
		s.handler.broadcaster.Emit(s.client.ID(), roomName, wire.EventUserOnline, wire.PresenceUser{
			UserID: s.identity.UserID,
			Email:  s.identity.Email,
			Name:   s.identity.DisplayName(),
		})
	}
	s.logger.Info("joined organization", zap.String("room", roomName))
}

func (s *session) handleJoinChat(data json.RawMessage) {
	var payload wire.JoinChatPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.ProjectID) == "" {
		s.sendError(wire.CodeInvalidPayload, "projectId is required")
		return
	}

	roomName := wire.ChatRoom(payload.ProjectID)
	s.sendToSelf(wire.EventJoinedChat, wire.JoinedChatPayload{
		ProjectID: payload.ProjectID,
		RoomName:  roomName,
	})
	if err := s.handler.registry.Join(s.client.ID(), roomName); err != nil {
		s.logger.Warn("chat join failed", zap.Error(err))
		return
	}
	s.logger.Info("joined chat", zap.String("room", roomName))
}

func (s *session) handleLeaveChat(data json.RawMessage) {
	var payload wire.LeaveChatPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.ProjectID) == "" {
		s.sendError(wire.CodeInvalidPayload, "projectId is required")
		return
	}
	s.handler.registry.Leave(s.client.ID(), wire.ChatRoom(payload.ProjectID))
	s.logger.Info("left chat", zap.String("project_id", payload.ProjectID))
}

// handleMutation validates a mutation at the boundary, fans it out to room
// peers, and schedules the debounced snapshot write.
func (s *session) handleMutation(event string, data json.RawMessage) {
	mutation, err := wire.DecodeMutation(event, data)
	if err != nil {
		s.logger.Debug("dropping malformed mutation", zap.String("event", event), zap.Error(err))
		s.sendError(wire.CodeInvalidPayload, err.Error())
		return
	}

	roomName := mutation.Room()
	if !s.handler.registry.InRoom(s.client.ID(), roomName) {
		s.sendError(wire.CodeNotInRoom, "join the room before emitting updates")
		return
	}

	sender := wire.PresenceUser{
		UserID: s.identity.UserID,
		Email:  s.identity.Email,
		Name:   s.identity.DisplayName(),
	}

	switch m := mutation.(type) {
	case wire.DocumentMutation:
		s.handler.broadcaster.Emit(s.client.ID(), roomName, wire.EventDocumentUpdate, wire.DocumentUpdateBroadcast{
			DocumentID: m.DocumentID,
			Content:    m.Content,
			UpdatedBy:  sender,
		})
		s.handler.scheduler.Schedule(m.EntityKey(), m.StateBlob)
	case wire.SlideMutation:
		s.handler.broadcaster.Emit(s.client.ID(), roomName, wire.EventSlideUpdate, wire.SlideUpdateBroadcast{
			SlideID:   m.SlideID,
			Title:     m.Title,
			Content:   m.Content,
			UpdatedBy: sender,
		})
		s.handler.scheduler.Schedule(m.EntityKey(), m.StateBlob)
	case wire.CanvasMutation:
		s.handler.broadcaster.Emit(s.client.ID(), roomName, wire.EventCanvasUpdate, wire.CanvasUpdateBroadcast{
			DocumentID: m.DocumentID,
			CanvasData: m.CanvasData,
			UpdatedBy:  sender,
		})
		s.handler.scheduler.Schedule(m.EntityKey(), m.StateBlob)
	case wire.ChatMutation:
		s.deliverChatMessage(roomName, m)
	}
}

// deliverChatMessage broadcasts a chat message to the whole room, the author
// included, with the sender identity taken from the verified connection and
// never from the payload.
func (s *session) deliverChatMessage(roomName string, m wire.ChatMutation) {
	messageID := strings.TrimSpace(m.Message.ID)
	if messageID == "" {
		messageID = uuid.NewString()
	}
	timestamp := strings.TrimSpace(m.Message.Timestamp)
	if timestamp == "" {
		timestamp = s.handler.clock().UTC().Format(time.RFC3339)
	}

	s.handler.broadcaster.Deliver(roomName, wire.EventMessageNew, wire.MessageNewPayload{
		ID: messageID,
		Sender: wire.ChatSender{
			ID:    s.identity.UserID,
			Name:  s.identity.DisplayName(),
			Email: s.identity.Email,
		},
		Content:   m.Message.Content,
		Timestamp: timestamp,
	})
}

func (s *session) sendToSelf(event string, payload any) {
	frame, err := wire.EncodeEnvelope(event, payload)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	if !s.client.Enqueue(frame) {
		s.logger.Warn("outbound queue full, dropping frame", zap.String("event", event))
	}
}

func (s *session) sendError(code, message string) {
	s.sendToSelf(wire.EventError, wire.ErrorPayload{Code: code, Message: message})
}

func (s *session) joinContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func presenceUsers(identities []auth.Identity) []wire.PresenceUser {
	users := make([]wire.PresenceUser, 0, len(identities))
	for _, identity := range identities {
		users = append(users, wire.PresenceUser{
			UserID: identity.UserID,
			Email:  identity.Email,
			Name:   identity.DisplayName(),
		})
	}
	return users
}

func presenceUsersExcept(identities []auth.Identity, userID string) []wire.PresenceUser {
	users := make([]wire.PresenceUser, 0, len(identities))
	for _, identity := range identities {
		if identity.UserID == userID {
			continue
		}
		users = append(users, wire.PresenceUser{
			UserID: identity.UserID,
			Email:  identity.Email,
			Name:   identity.DisplayName(),
		})
	}
	return users
}
