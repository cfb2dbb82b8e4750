package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/store"
)

// DocumentDirectory 标题 -> 对象 id
type DocumentDirectory interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (store.Document, error)
}

type DocumentHandler struct {
	docs DocumentDirectory
}

func NewDocumentHandler(docs DocumentDirectory) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

func (h *DocumentHandler) Register(g *gin.RouterGroup) {
	g.POST("/documents", h.CreateDocument)
	g.GET("/documents", h.GetDocument)
}

type CreateDocumentRequest struct {
	Title string `json:"title" binding:"required"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	// userId 由鉴权中间件写入，每个请求的 gin.Context 互相隔离
	userID, exists := c.Get("userId")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "user context missing"})
		return
	}
	ownerID, ok := userID.(uint64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "invalid user id format"})
		return
	}

	var req CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		badRequest(c, "title is required")
		return
	}

	doc, err := h.docs.CreateDocument(c.Request.Context(), ownerID, title)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// GetDocument ?title=
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	title := strings.TrimSpace(c.Query("title"))
	if title == "" {
		badRequest(c, "title is required")
		return
	}
	id, err := h.docs.GetDocumentID(c.Request.Context(), title)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "title": title})
}
