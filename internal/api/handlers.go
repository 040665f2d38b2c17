package api

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"chatgrid/internal/apperr"
	"chatgrid/internal/auth"
	"chatgrid/internal/conversation"
	"chatgrid/internal/registry"
	"chatgrid/internal/service/account"
	"chatgrid/internal/service/admin"
	"chatgrid/internal/service/chat"
)

// maxUploadBytes caps grounding documents accepted on model registration.
const maxUploadBytes = 20 << 20

// Handler exposes the HTTP surface over the service layer.
type Handler struct {
	accounts *account.Service
	registry *registry.Service
	convs    *conversation.Store
	chats    *chat.Service
	admin    *admin.Service
	auth     *auth.Service
}

func NewHandler(
	accounts *account.Service,
	reg *registry.Service,
	convs *conversation.Store,
	chats *chat.Service,
	adm *admin.Service,
	authService *auth.Service,
) *Handler {
	return &Handler{
		accounts: accounts,
		registry: reg,
		convs:    convs,
		chats:    chats,
		admin:    adm,
		auth:     authService,
	}
}

// RegisterRoutes wires every endpoint onto router. State-changing routes
// additionally pass through the CSRF double-submit check.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	csrf := h.auth.CSRFMiddleware()

	authed := api.Group("", h.auth.Middleware())
	authed.GET("/users/me", h.currentUser)
	authed.POST("/users/refresh", csrf, h.refreshToken)
	authed.POST("/users/logout", csrf, h.logout)

	authed.GET("/models", h.listModels)

	authed.GET("/chats", h.listChats)
	authed.GET("/chats/:id/messages", h.getChatMessages)
	authed.POST("/chats/messages", csrf, h.submitMessage)
	authed.DELETE("/chats/:id", csrf, h.deleteChat)

	adm := authed.Group("/admin", h.auth.RequireAdmin())
	adm.GET("/models", h.adminListModels)
	adm.POST("/models", csrf, h.createModel)
	adm.POST("/models/:id/start", csrf, h.startModel)
	adm.POST("/models/:id/stop", csrf, h.stopModel)
	adm.DELETE("/models/:id", csrf, h.deleteModel)
	adm.POST("/users/:id/ban", csrf, h.banUser)
	adm.POST("/users/:id/unban", csrf, h.unbanUser)
	adm.PUT("/chats/:id/limit", csrf, h.setChatLimit)
	adm.PUT("/limits/default", csrf, h.setDefaultLimit)
	adm.GET("/usage", h.listUsage)
}

// writeError maps the error taxonomy onto HTTP statuses. Unclassified
// errors are logged and hidden behind a generic message.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Invalid:
		status = http.StatusBadRequest
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.LimitReached:
		status = http.StatusTooManyRequests
	case apperr.ModelUnavailable, apperr.Conflict, apperr.ModelInUse:
		status = http.StatusConflict
	case apperr.IndexBuildError:
		status = http.StatusUnprocessableEntity
	case apperr.BackendError:
		status = http.StatusBadGateway
	}
	msg := apperr.Message(err)
	if kind == apperr.Internal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "kind": string(kind)})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	token, expiresAt, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		writeError(c, err)
		return
	}
	h.setAuthCookies(c, token, csrfToken)
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": token,
		"expires_at": expiresAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	token, expiresAt, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		writeError(c, err)
		return
	}
	h.setAuthCookies(c, token, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"is_admin":   user.IsAdmin,
		"auth_token": token,
		"expires_at": expiresAt,
	})
}

func (h *Handler) refreshToken(c *gin.Context) {
	current, ok := auth.AuthTokenFromContext(c)
	if !ok {
		writeError(c, apperr.New(apperr.Unauthorized, "missing auth token"))
		return
	}
	token, expiresAt, err := h.auth.Refresh(c.Request.Context(), current)
	if err != nil {
		writeError(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		writeError(c, err)
		return
	}
	h.setAuthCookies(c, token, csrfToken)
	c.JSON(http.StatusOK, gin.H{"auth_token": token, "expires_at": expiresAt})
}

func (h *Handler) logout(c *gin.Context) {
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			log.Warn().Err(err).Msg("revoke token on logout")
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) currentUser(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	user, err := h.accounts.GetUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) listModels(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	list, err := h.registry.ListAvailable(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

func (h *Handler) listChats(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	chats, err := h.convs.ListChats(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) getChatMessages(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	ch, err := h.convs.GetChat(c.Request.Context(), userID, chatID)
	if err != nil {
		writeError(c, err)
		return
	}
	msgs, err := h.convs.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": ch, "messages": msgs})
}

type submitMessageRequest struct {
	ChatID  int64  `json:"chat_id"`
	ModelID int64  `json:"model_id"`
	Content string `json:"content"`
}

func (h *Handler) submitMessage(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	var req submitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	var chatID *int64
	if req.ChatID > 0 {
		chatID = &req.ChatID
	}
	result, err := h.chats.SubmitTurn(c.Request.Context(), userID, chatID, req.ModelID, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.convs.DeleteChat(c.Request.Context(), userID, chatID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) adminListModels(c *gin.Context) {
	list, err := h.registry.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

// createModel registers a hosted model, or a retrieval-grounded one when a
// document is attached. Grounded registration builds the index before the
// model row is written, so a failed build leaves nothing behind.
func (h *Handler) createModel(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)

	name := strings.TrimSpace(c.PostForm("name"))
	provider := strings.TrimSpace(c.PostForm("provider"))
	modelName := strings.TrimSpace(c.PostForm("model_name"))
	description := c.PostForm("description")
	public := c.PostForm("public") == "true"
	kind := c.PostForm("kind")
	if name == "" || provider == "" || modelName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, provider and model_name are required"})
		return
	}

	if kind != "grounded" {
		m, err := h.registry.RegisterHosted(c.Request.Context(), name, provider, modelName, description, public, userID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, m)
		return
	}

	header, err := c.FormFile("document")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "grounded models require a document upload"})
		return
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document exceeds the 20MB upload limit"})
		return
	}
	if !allowedDocument(header.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only PDF and plain-text documents are accepted"})
		return
	}
	file, err := header.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(c, err)
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document exceeds the 20MB upload limit"})
		return
	}

	m, err := h.registry.RegisterGrounded(c.Request.Context(), name, provider, modelName, description, public, userID, header.Filename, data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func allowedDocument(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".txt", ".md":
		return true
	}
	return false
}

func (h *Handler) startModel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.registry.Start(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "running": true})
}

func (h *Handler) stopModel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.registry.Stop(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "running": false})
}

func (h *Handler) deleteModel(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(c.Request.Context(), id, userID, true); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) banUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.admin.Ban(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) unbanUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.admin.Unban(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type limitRequest struct {
	Limit int `json:"limit"`
}

func (h *Handler) setChatLimit(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	if err := h.admin.SetChatLimit(c.Request.Context(), chatID, req.Limit); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "limit": req.Limit})
}

func (h *Handler) setDefaultLimit(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if err := h.admin.SetDefaultLimit(c.Request.Context(), req.Limit); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"default_limit": req.Limit})
}

func (h *Handler) listUsage(c *gin.Context) {
	report, err := h.admin.ListUsage(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	maxAge := int(h.auth.TokenTTL().Seconds())
	secure := gin.Mode() == gin.ReleaseMode
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.auth.AuthCookieName(), authToken, maxAge, "/", "", secure, true)
	c.SetCookie(h.auth.CSRFCookieName(), csrfToken, maxAge, "/", "", secure, false)
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	secure := gin.Mode() == gin.ReleaseMode
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.auth.AuthCookieName(), "", -1, "/", "", secure, true)
	c.SetCookie(h.auth.CSRFCookieName(), "", -1, "/", "", secure, false)
}
