package integration_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/orbitalworks/collabsync/internal/auth"
	"github.com/orbitalworks/collabsync/internal/broadcast"
	"github.com/orbitalworks/collabsync/internal/database"
	"github.com/orbitalworks/collabsync/internal/presence"
	"github.com/orbitalworks/collabsync/internal/reconcile"
	"github.com/orbitalworks/collabsync/internal/registry"
	"github.com/orbitalworks/collabsync/internal/server"
	"github.com/orbitalworks/collabsync/internal/snapshot"
	"github.com/orbitalworks/collabsync/internal/wire"
	"go.uber.org/zap"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationDebounce      = 40 * time.Millisecond
	integrationTimeout       = 3 * time.Second
)

// TestCollaborationFlow exercises the full stack against a real SQLite
// database: an editor joins a document, emits a burst of updates, the burst
// coalesces into a single debounced write, and a late joiner reconciles from
// the flushed snapshot before seeing any live event.
func TestCollaborationFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "collab.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	store, err := snapshot.NewGormStore(snapshot.GormStoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	scheduler, err := snapshot.NewScheduler(snapshot.SchedulerConfig{
		Store:    store,
		Interval: integrationDebounce,
	})
	if err != nil {
		testContext.Fatalf("failed to build scheduler: %v", err)
	}
	testContext.Cleanup(func() { scheduler.Close(context.Background()) })

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(integrationSigningSecret),
	})
	if err != nil {
		testContext.Fatalf("failed to build verifier: %v", err)
	}

	connectionRegistry := registry.NewRegistry(nil)
	broadcaster, err := broadcast.NewBroadcaster(broadcast.Config{Registry: connectionRegistry})
	if err != nil {
		testContext.Fatalf("failed to build broadcaster: %v", err)
	}
	gate, err := reconcile.NewGate(reconcile.GateConfig{
		Store:    store,
		Presence: reconcile.PresenceFunc(connectionRegistry.Occupants),
	})
	if err != nil {
		testContext.Fatalf("failed to build gate: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    verifier,
		Registry:    connectionRegistry,
		Broadcaster: broadcaster,
		Presence:    presence.NewTracker(),
		Gate:        gate,
		Scheduler:   scheduler,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)

	editor := dialCollab(testContext, httpServer.URL, "user-editor", "Editor")
	sendEvent(testContext, editor, wire.EventJoinDocument, wire.JoinDocumentPayload{DocumentID: "d1"})
	joined := readJoinedDocument(testContext, editor)
	if joined.Content != "" {
		testContext.Fatalf("fresh document should start empty, got %q", joined.Content)
	}
	time.Sleep(50 * time.Millisecond)

	// A burst of edits within one debounce window.
	for _, content := range []string{"h", "he", "hel", "hell", "hello"} {
		sendEvent(testContext, editor, wire.EventDocumentUpdate, wire.DocumentMutation{
			DocumentID: "d1",
			Content:    content,
		})
	}

	// Only the final state reaches the database, in a single write.
	deadline := time.Now().Add(integrationTimeout)
	var row snapshot.EntitySnapshot
	for time.Now().Before(deadline) {
		row, err = store.Load(context.Background(), "document:d1")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		testContext.Fatalf("burst never flushed: %v", err)
	}
	if string(row.Blob) != "hello" {
		testContext.Fatalf("expected final state to persist, got %q", row.Blob)
	}

	// A late joiner reconciles from the flushed snapshot.
	lateJoiner := dialCollab(testContext, httpServer.URL, "user-late", "Late")
	sendEvent(testContext, lateJoiner, wire.EventJoinDocument, wire.JoinDocumentPayload{DocumentID: "d1"})
	joined = readJoinedDocument(testContext, lateJoiner)
	if joined.Content != "hello" {
		testContext.Fatalf("late joiner should see persisted content, got %q", joined.Content)
	}
	if len(joined.Participants) != 1 || joined.Participants[0].UserID != "user-editor" {
		testContext.Fatalf("late joiner should see the editor present, got %v", joined.Participants)
	}
	time.Sleep(50 * time.Millisecond)

	// Live edits now reach the late joiner, and never echo to the author.
	sendEvent(testContext, editor, wire.EventDocumentUpdate, wire.DocumentMutation{
		DocumentID: "d1",
		Content:    "hello world",
	})
	update := readDocumentUpdate(testContext, lateJoiner)
	if update.Content != "hello world" {
		testContext.Fatalf("unexpected live content: %q", update.Content)
	}
	if update.UpdatedBy.UserID != "user-editor" {
		testContext.Fatalf("unexpected author: %+v", update.UpdatedBy)
	}
}

func dialCollab(testContext *testing.T, serverURL, userID, name string) *websocket.Conn {
	testContext.Helper()
	claims := auth.AccessClaims{
		UserID: userID,
		Email:  userID + "@example.com",
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(integrationSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to mint token: %v", err)
	}

	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket: %v", err)
	}
	testContext.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(testContext *testing.T, conn *websocket.Conn, event string, payload any) {
	testContext.Helper()
	frame, err := wire.EncodeEnvelope(event, payload)
	if err != nil {
		testContext.Fatalf("failed to encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		testContext.Fatalf("failed to write %s: %v", event, err)
	}
}

func readEnvelope(testContext *testing.T, conn *websocket.Conn, expectedEvent string) json.RawMessage {
	testContext.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(integrationTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed waiting for %s: %v", expectedEvent, err)
	}
	envelope, err := wire.DecodeEnvelope(raw)
	if err != nil {
		testContext.Fatalf("received undecodable frame: %v", err)
	}
	if envelope.Event != expectedEvent {
		testContext.Fatalf("expected event %s, got %s", expectedEvent, envelope.Event)
	}
	return envelope.Data
}

func readJoinedDocument(testContext *testing.T, conn *websocket.Conn) wire.JoinedDocumentPayload {
	testContext.Helper()
	var joined wire.JoinedDocumentPayload
	if err := json.Unmarshal(readEnvelope(testContext, conn, wire.EventJoinedDocument), &joined); err != nil {
		testContext.Fatalf("failed to unmarshal joined-document: %v", err)
	}
	return joined
}

func readDocumentUpdate(testContext *testing.T, conn *websocket.Conn) wire.DocumentUpdateBroadcast {
	testContext.Helper()
	var update wire.DocumentUpdateBroadcast
	if err := json.Unmarshal(readEnvelope(testContext, conn, wire.EventDocumentUpdate), &update); err != nil {
		testContext.Fatalf("failed to unmarshal document-update: %v", err)
	}
	return update
}
