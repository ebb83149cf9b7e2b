// Package server exposes the HTTP surface: token provisioning for
// editors and read access to the persisted rundown snapshots. Live
// collaboration happens over the pub/sub transport, not here.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OndesLab/conducteur/internal/rundown"
	"github.com/OndesLab/conducteur/internal/store"
)

const (
	userIDContextKey   = "conducteur_user_id"
	userNameContextKey = "conducteur_user_name"

	provisioningKeyHeader = "X-Provisioning-Key"
)

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingStoreService    = errors.New("store service dependency required")
	errMissingProvisioningKey = errors.New("provisioning key required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// EditorTokenManager issues and validates editor bearer tokens.
type EditorTokenManager interface {
	IssueEditorToken(ctx context.Context, userID string, displayName string) (string, int64, error)
	ValidateToken(token string) (string, string, error)
}

// Dependencies carries the router's collaborators.
type Dependencies struct {
	TokenManager    EditorTokenManager
	StoreService    *store.Service
	ProvisioningKey string
	Logger          *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.StoreService == nil {
		return nil, errMissingStoreService
	}
	if strings.TrimSpace(deps.ProvisioningKey) == "" {
		return nil, errMissingProvisioningKey
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", provisioningKeyHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:          deps.TokenManager,
		storeService:    deps.StoreService,
		provisioningKey: deps.ProvisioningKey,
		logger:          logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleTokenProvisioning)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/rundowns/:id", handler.handleRundownSnapshot)

	return router, nil
}

type httpHandler struct {
	tokens          EditorTokenManager
	storeService    *store.Service
	provisioningKey string
	logger          *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenProvisioning(c *gin.Context) {
	presented := c.GetHeader(provisioningKeyHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.provisioningKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueEditorToken(c.Request.Context(), request.UserID, request.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue editor token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type itemPayload struct {
	ItemID          string `json:"item_id"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"duration_s"`
	Position        int    `json:"position"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	StoryID         string `json:"story_id,omitempty"`
	AssigneeID      string `json:"assignee_id,omitempty"`
}

type rundownResponsePayload struct {
	RundownID string        `json:"rundown_id"`
	Status    string        `json:"status"`
	Notes     string        `json:"notes,omitempty"`
	Items     []itemPayload `json:"items"`
}

func (h *httpHandler) handleRundownSnapshot(c *gin.Context) {
	rundownID, err := rundown.NewRundownID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rundown_id"})
		return
	}

	snapshot, err := h.storeService.Load(c.Request.Context(), rundownID)
	if err != nil {
		h.logger.Error("failed to load rundown", zap.Error(err), zap.String("rundown_id", rundownID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}

	response := rundownResponsePayload{
		RundownID: rundownID.String(),
		Status:    snapshot.Meta.Status.String(),
		Notes:     snapshot.Meta.Notes,
		Items:     make([]itemPayload, 0, len(snapshot.Items)),
	}
	for _, item := range snapshot.Items {
		response.Items = append(response.Items, itemPayload{
			ItemID:          item.ID.String(),
			Type:            item.Type.String(),
			Title:           item.Title,
			DurationSeconds: item.DurationSeconds,
			Position:        item.Position,
			Status:          item.Status.String(),
			Notes:           item.Notes,
			StoryID:         item.StoryID,
			AssigneeID:      item.AssigneeID,
		})
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, name, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Set(userNameContextKey, name)
	c.Next()
}
