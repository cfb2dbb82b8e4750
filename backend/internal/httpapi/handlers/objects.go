package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/revision"
)

// MemberLister 在线成员，ws.Hub 实现
type MemberLister interface {
	Members(ctx context.Context, objectID string) ([]cache.PresenceMember, error)
}

type ObjectHandler struct {
	objects *collab.Manager
	members MemberLister
	log     zerolog.Logger
}

func NewObjectHandler(objects *collab.Manager, members MemberLister, log zerolog.Logger) *ObjectHandler {
	return &ObjectHandler{objects: objects, members: members, log: log}
}

// Register 挂在 /collab 分组下
func (h *ObjectHandler) Register(g *gin.RouterGroup) {
	g.GET("/objects/:id", h.GetObject)
	g.GET("/objects/:id/revisions", h.ListRevisions)
	g.POST("/objects/:id/edits", h.ApplyEdit)
	g.POST("/objects/:id/undo", h.Undo)
	g.POST("/objects/:id/redo", h.Redo)
	g.GET("/objects/:id/members", h.Members)
}

type ObjectResponse struct {
	ObjectID string      `json:"objectId"`
	RevID    int64       `json:"revId"`
	Text     string      `json:"text"`
	Content  delta.Delta `json:"content"`
}

type RevisionResponse struct {
	RevID     int64       `json:"revId"`
	BaseRevID int64       `json:"baseRevId"`
	AuthorID  string      `json:"authorId,omitempty"`
	Kind      string      `json:"kind"`
	MD5       string      `json:"md5"`
	Ops       delta.Delta `json:"ops"`
}

type EditRequest struct {
	Ops delta.Delta `json:"ops" binding:"required"`
}

type EditResponse struct {
	RevID int64  `json:"revId"`
	Text  string `json:"text"`
}

// withObject 借用对象的 actor 执行 fn；只读请求也会在没有连接时临时加载对象
func (h *ObjectHandler) withObject(c *gin.Context, fn func(ctx context.Context, obj *collab.ServerHandle) error) {
	ctx := c.Request.Context()
	objectID := c.Param("id")
	obj, err := h.objects.Acquire(ctx, objectID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer h.objects.Release(context.WithoutCancel(ctx), objectID)
	if err := fn(ctx, obj); err != nil {
		abortWithError(c, err)
	}
}

func (h *ObjectHandler) GetObject(c *gin.Context) {
	h.withObject(c, func(ctx context.Context, obj *collab.ServerHandle) error {
		snap, err := obj.ReadSnapshot(ctx)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, ObjectResponse{
			ObjectID: snap.ObjectID,
			RevID:    snap.RevID,
			Text:     snap.Text,
			Content:  snap.Content,
		})
		return nil
	})
}

// ListRevisions ?start=&end=，end 缺省或 -1 表示到最新。start<=0 时返回一个快照修订
func (h *ObjectHandler) ListRevisions(c *gin.Context) {
	start, err := queryInt(c, "start", 1)
	if err != nil {
		badRequest(c, "start must be an integer")
		return
	}
	end, err := queryInt(c, "end", protocol.LatestRev)
	if err != nil {
		badRequest(c, "end must be an integer")
		return
	}
	h.withObject(c, func(ctx context.Context, obj *collab.ServerHandle) error {
		revs, err := obj.PullRevisions(ctx, start, end, nil)
		if err != nil {
			return err
		}
		out := make([]RevisionResponse, 0, len(revs))
		for _, r := range revs {
			resp, err := toRevisionResponse(r)
			if err != nil {
				return err
			}
			out = append(out, resp)
		}
		c.JSON(http.StatusOK, gin.H{"revisions": out})
		return nil
	})
}

func (h *ObjectHandler) ApplyEdit(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := delta.Validate(req.Ops); err != nil {
		abortWithError(c, err)
		return
	}
	ops := delta.Normalize(req.Ops)
	author := authorOf(c)
	h.withObject(c, func(ctx context.Context, obj *collab.ServerHandle) error {
		res, err := obj.ApplyLocalEdit(ctx, ops, author)
		if err != nil {
			return err
		}
		h.log.Debug().Str("object_id", obj.ObjectID()).Str("author_id", author).Int64("rev_id", res.RevID).Msg("http edit")
		c.JSON(http.StatusOK, EditResponse{RevID: res.RevID, Text: res.Text})
		return nil
	})
}

func (h *ObjectHandler) Undo(c *gin.Context) {
	author := authorOf(c)
	h.withObject(c, func(ctx context.Context, obj *collab.ServerHandle) error {
		res, err := obj.Undo(ctx, author)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, EditResponse{RevID: res.RevID, Text: res.Text})
		return nil
	})
}

func (h *ObjectHandler) Redo(c *gin.Context) {
	author := authorOf(c)
	h.withObject(c, func(ctx context.Context, obj *collab.ServerHandle) error {
		res, err := obj.Redo(ctx, author)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, EditResponse{RevID: res.RevID, Text: res.Text})
		return nil
	})
}

func (h *ObjectHandler) Members(c *gin.Context) {
	members, err := h.members.Members(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func toRevisionResponse(r *revision.Revision) (RevisionResponse, error) {
	d, err := r.Delta()
	if err != nil {
		return RevisionResponse{}, err
	}
	return RevisionResponse{
		RevID:     r.RevID,
		BaseRevID: r.BaseRevID,
		AuthorID:  r.AuthorID,
		Kind:      r.Kind.String(),
		MD5:       r.MD5,
		Ops:       d,
	}, nil
}

// authorOf HTTP 编辑的作者 id，优先用户名
func authorOf(c *gin.Context) string {
	if name := c.GetString("username"); name != "" {
		return name
	}
	return "user-" + strconv.FormatUint(c.GetUint64("userId"), 10)
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
