package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/orbitalworks/collabsync/internal/auth"
	"github.com/orbitalworks/collabsync/internal/broadcast"
	"github.com/orbitalworks/collabsync/internal/presence"
	"github.com/orbitalworks/collabsync/internal/reconcile"
	"github.com/orbitalworks/collabsync/internal/registry"
	"github.com/orbitalworks/collabsync/internal/snapshot"
	"go.uber.org/zap"
)

var (
	errMissingVerifier    = errors.New("server: token verifier dependency required")
	errMissingRegistry    = errors.New("server: connection registry dependency required")
	errMissingBroadcaster = errors.New("server: broadcaster dependency required")
	errMissingPresence    = errors.New("server: presence tracker dependency required")
	errMissingGate        = errors.New("server: reconciliation gate dependency required")
	errMissingScheduler   = errors.New("server: persistence scheduler dependency required")
)

// TokenVerifier validates a connect-time credential and yields an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Dependencies wires the collaboration components into the HTTP layer.
type Dependencies struct {
	Verifier    TokenVerifier
	Registry    *registry.Registry
	Broadcaster *broadcast.Broadcaster
	Presence    *presence.Tracker
	Gate        *reconcile.Gate
	Scheduler   *snapshot.Scheduler
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewHTTPHandler builds the gin router exposing the websocket endpoint and
// the health probe.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Auth-Token"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		registry:    deps.Registry,
		broadcaster: deps.Broadcaster,
		presence:    deps.Presence,
		gate:        deps.Gate,
		scheduler:   deps.Scheduler,
		logger:      logger,
		clock:       clock,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleConnect)

	return router, nil
}

type httpHandler struct {
	verifier    TokenVerifier
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	presence    *presence.Tracker
	gate        *reconcile.Gate
	scheduler   *snapshot.Scheduler
	logger      *zap.Logger
	clock       func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "collab-sync"})
}
