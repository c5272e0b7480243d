package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"llm-chat-relay/db"
	"llm-chat-relay/llm"
	"llm-chat-relay/service"
	"llm-chat-relay/utils"
)

// Handler serves the relay's HTTP endpoints.
type Handler struct {
	chat          *service.ChatService
	conversations *service.ConversationService
	providers     *llm.Registry
	database      *db.DB
	retentionDays int
	now           func() time.Time
	started       time.Time
	logger        *utils.Logger
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

type saveMessageRequest struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type branchRequest struct {
	// UpToTimestamp is parsed by cutoff.
	UpToTimestamp json.RawMessage `json:"upToTimestamp"`
	Title         string          `json:"title"`
}

// cutoff returns the branch cutoff in ms. Only JSON integers are accepted;
// range checks are left to the store.
func (r branchRequest) cutoff() (int64, error) {
	raw := strings.TrimSpace(string(r.UpToTimestamp))
	if raw == "" || raw == "null" {
		return 0, errors.New("upToTimestamp is required")
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("upToTimestamp must be an integer, got %s", raw)
	}
	return ms, nil
}

type cleanupRequest struct {
	RetentionDays *int `json:"retentionDays"`
}

func badRequest(c *gin.Context, code, message string) {
	_ = c.Error(NewBadRequestError(code, message))
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "INVALID_BODY", err.Error())
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, "INVALID_QUERY", fmt.Sprintf("%s must be an integer", name))
		return 0, false
	}
	return v, true
}

// requirePersistence answers 503 on conversation routes when storage is off.
func (h *Handler) requirePersistence(c *gin.Context) {
	if h.conversations == nil {
		_ = c.Error(NewServiceUnavailableError("PERSISTENCE_DISABLED", "Conversation persistence is disabled"))
		c.Abort()
		return
	}
	c.Next()
}

// Chat relays one user turn to a provider.
func (h *Handler) Chat(c *gin.Context) {
	var req service.ChatRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.chat.Send(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.providers.List()})
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if !bindJSON(c, &req) {
		return
	}
	conv, err := h.conversations.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) ListConversations(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	list, err := h.conversations.ListConversations(ctx, limit, offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	total, err := h.conversations.GetConversationCount(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list, "total": total})
}

// loadConversation fetches :id and reports 404 when it does not exist.
func (h *Handler) loadConversation(c *gin.Context) (*db.ConversationWithMessages, bool) {
	id := c.Param("id")
	conv, err := h.conversations.GetConversation(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if conv == nil {
		_ = c.Error(NewNotFoundError("CONVERSATION_NOT_FOUND", fmt.Sprintf("conversation %s not found", id)))
		return nil, false
	}
	return conv, true
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, ok := h.loadConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) UpdateConversationTitle(c *gin.Context) {
	var req updateTitleRequest
	if !bindJSON(c, &req) {
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		badRequest(c, "INVALID_TITLE", "title cannot be empty")
		return
	}

	id := c.Param("id")
	if err := h.conversations.UpdateConversationTitle(c.Request.Context(), id, title); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "title": title})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	if err := h.conversations.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetMessages(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	msgs, err := h.conversations.GetMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) SaveMessage(c *gin.Context) {
	var req saveMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.conversations.SaveMessage(c.Request.Context(), db.NewMessage{
		ConversationID: c.Param("id"),
		Role:           req.Role,
		Content:        req.Content,
		Provider:       req.Provider,
		Model:          req.Model,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) BranchConversation(c *gin.Context) {
	var req branchRequest
	if !bindJSON(c, &req) {
		return
	}
	upTo, err := req.cutoff()
	if err != nil {
		badRequest(c, "INVALID_TIMESTAMP", err.Error())
		return
	}

	branch, err := h.conversations.BranchConversation(c.Request.Context(), c.Param("id"), upTo, req.Title)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, branch)
}

func (h *Handler) ExportConversation(c *gin.Context) {
	format, err := utils.ParseExportFormat(c.Query("format"))
	if err != nil {
		badRequest(c, "INVALID_FORMAT", err.Error())
		return
	}
	conv, ok := h.loadConversation(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := utils.Export(&buf, conv, format); err != nil {
		_ = c.Error(err)
		return
	}
	filename := utils.GenerateExportFilename(conv.Title, format, h.now())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// parseMessageID reads :id as a message id.
func parseMessageID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "INVALID_ID", "message id must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) GetMessage(c *gin.Context) {
	id, ok := parseMessageID(c)
	if !ok {
		return
	}
	msg, err := h.conversations.GetMessage(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	id, ok := parseMessageID(c)
	if !ok {
		return
	}
	if err := h.conversations.DeleteMessage(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Search(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	results, err := h.conversations.SearchMessages(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Stats reports per-model and per-day usage for the last ?days days, or all
// time when days is absent.
func (h *Handler) Stats(c *gin.Context) {
	days, ok := queryInt(c, "days")
	if !ok {
		return
	}
	usage, err := h.conversations.Usage(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// Cleanup deletes old conversations. The body may override the configured
// retention period.
func (h *Handler) Cleanup(c *gin.Context) {
	var req cleanupRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	days := h.retentionDays
	if req.RetentionDays != nil {
		days = *req.RetentionDays
	}

	deleted, err := h.conversations.DeleteOldConversations(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "retentionDays": days})
}

func (h *Handler) Vacuum(c *gin.Context) {
	if h.database == nil {
		_ = c.Error(NewServiceUnavailableError("PERSISTENCE_DISABLED", "Conversation persistence is disabled"))
		return
	}
	if err := h.database.Vacuum(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Health reports store and runtime status. It answers 503 when the store is
// enabled but unreachable.
func (h *Handler) Health(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := http.StatusOK
	resp := gin.H{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"providers": h.providers.Names(),
		"memory": gin.H{
			"alloc_mb":  memStats.Alloc / 1024 / 1024,
			"sys_mb":    memStats.Sys / 1024 / 1024,
			"gc_cycles": memStats.NumGC,
		},
	}

	if h.database == nil {
		resp["database"] = gin.H{"status": "disabled"}
	} else if stats, err := h.database.Stats(c.Request.Context()); err != nil {
		loggerFrom(c, h.logger).LogError(err, "database health check failed")
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["database"] = gin.H{"status": "error", "error": err.Error()}
	} else {
		resp["database"] = gin.H{"status": "ok", "stats": stats}
	}

	c.JSON(status, resp)
}
