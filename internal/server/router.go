package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lectern-live/lectern/internal/document"
	"github.com/lectern-live/lectern/internal/sync"
)

const (
	documentIDRouteParameter = "documentID"
	websocketReadBufferSize  = 4096
	websocketWriteBufferSize = 4096
	refusalWriteWait         = 5 * time.Second
)

var (
	errMissingAccessResolver = errors.New("access resolver dependency required")
	errMissingActorRegistry  = errors.New("actor registry dependency required")
)

// IdentityVerifier resolves the user identity carried by an HTTP request. An
// empty user id with a nil error is an anonymous session.
type IdentityVerifier interface {
	Identify(request *http.Request) (string, error)
}

// anonymousIdentity admits every request as anonymous. It backs deployments
// that run without a signing secret.
type anonymousIdentity struct{}

func (anonymousIdentity) Identify(*http.Request) (string, error) {
	return "", nil
}

// Dependencies wires the HTTP surface to the sync engine.
type Dependencies struct {
	Resolver       *document.Resolver
	Registry       *sync.Registry
	Identity       IdentityVerifier
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewHTTPHandler builds the gin router exposing the health and document sync
// endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Resolver == nil {
		return nil, errMissingAccessResolver
	}
	if deps.Registry == nil {
		return nil, errMissingActorRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identity := deps.Identity
	if identity == nil {
		identity = anonymousIdentity{}
	}
	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		resolver: deps.Resolver,
		registry: deps.Registry,
		identity: identity,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  websocketReadBufferSize,
			WriteBufferSize: websocketWriteBufferSize,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/v1/documents/:documentID/sync", handler.handleDocumentSync)

	return router, nil
}

type httpHandler struct {
	resolver *document.Resolver
	registry *sync.Registry
	identity IdentityVerifier
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDocumentSync authenticates and authorizes the request before the
// websocket upgrade. Refusals that depend on document state are delivered as
// protocol ERROR frames after the upgrade, so browser clients can read them;
// a token that fails validation is rejected with a plain 401 instead.
func (h *httpHandler) handleDocumentSync(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param(documentIDRouteParameter))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	userID, identifyErr := h.identity.Identify(c.Request)
	if identifyErr != nil {
		h.logger.Warn("session token rejected",
			zap.String("document_id", documentID.String()),
			zap.Error(identifyErr))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	level, resolveErr := h.resolver.Resolve(c.Request.Context(), documentID, userID)
	if resolveErr != nil && !errors.Is(resolveErr, document.ErrDocumentNotFound) {
		h.logger.Error("access resolution failed",
			zap.String("document_id", documentID.String()),
			zap.Error(resolveErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access_resolution_failed"})
		return
	}

	conn, upgradeErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upgradeErr != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed",
			zap.String("document_id", documentID.String()),
			zap.Error(upgradeErr))
		return
	}

	if errors.Is(resolveErr, document.ErrDocumentNotFound) {
		h.refuse(conn, sync.EncodeError(sync.ErrorCodeNotFound, "document not found"))
		return
	}
	if level == document.AccessDenied {
		h.refuse(conn, sync.EncodeError(sync.ErrorCodeForbidden, "access denied"))
		return
	}

	session := sync.NewSession(sync.SessionConfig{
		Conn:       conn,
		Registry:   h.registry,
		DocumentID: documentID,
		UserID:     userID,
		Access:     level,
		Logger:     h.logger,
	})
	if runErr := session.Run(c.Request.Context()); runErr != nil {
		h.logger.Warn("session ended with join failure",
			zap.String("document_id", documentID.String()),
			zap.Error(runErr))
	}
}

func (h *httpHandler) refuse(conn *websocket.Conn, frame []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(refusalWriteWait))
	_ = conn.WriteMessage(websocket.BinaryMessage, frame)
	_ = conn.Close()
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return func(request *http.Request) bool {
		if allowAll {
			return true
		}
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
