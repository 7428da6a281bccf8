package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tbqdigital/shopcore/internal/auth"
	"github.com/tbqdigital/shopcore/internal/commerce"
	"go.uber.org/zap"
)

const defaultPaymentProvider = "sepay"

var (
	errMissingCommerceService = errors.New("commerce service dependency required")
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	Commerce    *commerce.Service
	TokenIssuer *auth.TokenIssuer
	SyncSecret  string
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router serving the payment webhook and
// the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Commerce == nil {
		return nil, errMissingCommerceService
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
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
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		commerce:   deps.Commerce,
		tokens:     deps.TokenIssuer,
		syncSecret: deps.SyncSecret,
		logger:     logger,
	}

	router.POST("/webhooks/payment", handler.handlePaymentWebhook)
	router.POST("/sync/auth", handler.handleSyncAuth)

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.GET("/pull", handler.handleSyncPull)
	protected.GET("/pull-readonly", handler.handleSyncPullReadOnly)
	protected.POST("/push", handler.handleSyncPush)

	return router, nil
}

type httpHandler struct {
	commerce   *commerce.Service
	tokens     *auth.TokenIssuer
	syncSecret string
	logger     *zap.Logger
}

type webhookTransactionPayload struct {
	ID              string `json:"id"`
	ReferenceNumber string `json:"reference_number"`
	Provider        string `json:"provider"`
	AmountIn        int64  `json:"amount_in"`
	TransactionDate string `json:"transaction_date"`
}

type webhookRequestPayload struct {
	OrderID     string                    `json:"order_id"`
	Transaction webhookTransactionPayload `json:"transaction"`
}

func (h *httpHandler) handlePaymentWebhook(c *gin.Context) {
	var request webhookRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OrderID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	transactionID := strings.TrimSpace(request.Transaction.ID)
	if transactionID == "" {
		transactionID = strings.TrimSpace(request.Transaction.ReferenceNumber)
	}
	if transactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_transaction_id"})
		return
	}

	provider := strings.TrimSpace(request.Transaction.Provider)
	if provider == "" {
		provider = defaultPaymentProvider
	}

	transactionAt := time.Now().UTC()
	if request.Transaction.TransactionDate != "" {
		if parsed, err := time.Parse(time.RFC3339, request.Transaction.TransactionDate); err == nil {
			transactionAt = parsed
		}
	}

	result, err := h.commerce.Finalize(c.Request.Context(), request.OrderID, commerce.PaymentTxn{
		Provider:      provider,
		TransactionID: transactionID,
		AmountCents:   request.Transaction.AmountIn,
		TransactionAt: transactionAt,
	}, "webhook")
	if err != nil {
		h.logger.Error("payment webhook finalize failed",
			zap.String("order_id", request.OrderID),
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "finalize_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type syncAuthRequestPayload struct {
	Secret string `json:"secret"`
	Device string `json:"device"`
}

type syncAuthResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSyncAuth(c *gin.Context) {
	var request syncAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !auth.SecretMatches(request.Secret, h.syncSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subject := strings.TrimSpace(request.Device)
	if subject == "" {
		subject = "sync-client"
	}
	token, expiresIn, err := h.tokens.IssueSyncToken(subject)
	if err != nil {
		h.logger.Error("failed to issue sync token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, syncAuthResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type syncEventPayload struct {
	EntityType string `json:"entity_type"`
	EventType  string `json:"event_type"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload"`
	CreatedAt  string `json:"created_at"`
}

type syncPullResponsePayload struct {
	Events []syncEventPayload `json:"events"`
	Count  int                `json:"count"`
}

func (h *httpHandler) handleSyncPull(c *gin.Context) {
	entityTypes := splitCSV(c.Query("entity_type"))
	if len(entityTypes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_entity_type"})
		return
	}
	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	events, err := h.commerce.PullEvents(c.Request.Context(), entityTypes, since)
	if err != nil {
		h.logger.Error("sync pull failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}

	response := syncPullResponsePayload{Events: make([]syncEventPayload, 0, len(events))}
	for _, event := range events {
		response.Events = append(response.Events, syncEventPayload{
			EntityType: event.EntityType,
			EventType:  event.EventType,
			EntityID:   event.EntityID,
			Payload:    event.PayloadJSON,
			CreatedAt:  time.Unix(event.CreatedAtSeconds, 0).UTC().Format(time.RFC3339),
		})
	}
	response.Count = len(response.Events)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncPullReadOnly(c *gin.Context) {
	tables := splitCSV(c.Query("entities"))
	if len(tables) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_entities"})
		return
	}
	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	rows, err := h.commerce.PullReadOnly(c.Request.Context(), tables, since)
	if err != nil {
		h.logger.Error("read-only pull failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) handleSyncPush(c *gin.Context) {
	var items []commerce.PushItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(items) > commerce.PushBatchLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_too_large"})
		return
	}

	result, err := h.commerce.ApplyPush(c.Request.Context(), items)
	if err != nil {
		h.logger.Error("sync push failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// authorizeRequest accepts either the shared sync secret or a session
// token previously issued by /sync/auth as the bearer value.
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

	if auth.SecretMatches(token, h.syncSecret) {
		c.Next()
		return
	}
	if _, err := h.tokens.ValidateToken(token); err != nil {
		h.logger.Warn("sync token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseSince(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, trimmed)
}
