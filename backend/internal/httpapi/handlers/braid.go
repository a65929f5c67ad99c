package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/braid-org/braid-text-sub000/backend/internal/collab"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
	"github.com/braid-org/braid-text-sub000/backend/internal/store"
	"github.com/braid-org/braid-text-sub000/backend/internal/ws"
)

// StatusVersionUnknown 表示请求引用了本地还没有的版本，Missing-Versions 头列出缺失的事件
const StatusVersionUnknown = 309

// PutBody 是 PUT 的 JSON 请求体。parents 缺省时基于当前版本，[] 表示从空文档开始。
type PutBody struct {
	Version []string      `json:"version"`
	Parents []string      `json:"parents"`
	Patches []patch.Patch `json:"patches"`
	Body    *string       `json:"body"`
	Peer    string        `json:"peer"`
	Digest  string        `json:"digest"`
}

// PresenceLister 列出跨进程的订阅者，由 redis 提供
type PresenceLister interface {
	Subscribers(ctx context.Context, key string) ([]string, error)
	Keys(ctx context.Context) ([]string, error)
}

type Handler struct {
	svc     *collab.TextService
	manager *ws.Manager
	// Presence 为空时 /subscribers 返回 501
	Presence PresenceLister
}

func NewHandler(svc *collab.TextService, manager *ws.Manager) *Handler {
	return &Handler{svc: svc, manager: manager}
}

// Router 组装全部路由
func Router(svc *collab.TextService, manager *ws.Manager) *gin.Engine {
	return NewHandler(svc, manager).Engine()
}

// Engine 挂上公共中间件和 h 的路由
func (h *Handler) Engine(middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware...)
	h.Register(r)
	return r
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/braid/*key", h.Get)
	r.HEAD("/braid/*key", h.Head)
	r.PUT("/braid/*key", h.Put)
	r.DELETE("/braid/*key", h.Delete)
	r.GET("/ws/*key", h.Subscribe)
	r.POST("/snapshot/*key", h.Snapshot)
	r.GET("/snapshot/*key", h.LatestSnapshot)
	r.GET("/keys", h.Keys)
	r.GET("/subscribers/*key", h.Subscribers)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ok",
		})
	})
}

// FormatVersion 输出 `"a-1", "b-2"` 形式的版本头
func FormatVersion(version []string) string {
	quoted := make([]string, len(version))
	for i, v := range version {
		quoted[i] = `"` + v + `"`
	}
	return strings.Join(quoted, ", ")
}

func resourceKey(c *gin.Context) (string, bool) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return "", false
	}
	return key, true
}

// versionParam 优先取头，其次取 query
func versionParam(c *gin.Context, name string) []string {
	if v := c.GetHeader(name); v != "" {
		return ws.SplitList(v)
	}
	return ws.SplitList(c.Query(strings.ToLower(name)))
}

func (h *Handler) Get(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	req := collab.GetRequest{
		Version: versionParam(c, "Version"),
		Parents: versionParam(c, "Parents"),
	}
	res, err := h.svc.Get(c.Request.Context(), key, req)
	if err != nil {
		writeError(c, key, err)
		return
	}
	c.Header("Version", FormatVersion(res.Version))
	if len(req.Parents) > 0 {
		c.JSON(http.StatusOK, gin.H{"version": res.Version, "updates": res.Updates})
		return
	}
	c.Header("Repr-Digest", collab.Digest(res.Body))
	c.String(http.StatusOK, res.Body)
}

// Head 是存在性探测：200 表示 Version 中的事件都已知
func (h *Handler) Head(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	has, err := h.svc.Has(c.Request.Context(), key, versionParam(c, "Version"))
	if err != nil {
		writeError(c, key, err)
		return
	}
	if !has {
		c.Status(StatusVersionUnknown)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) Put(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	var body PutBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Peer == "" {
		body.Peer = c.GetHeader("Peer")
	}
	if body.Digest == "" {
		body.Digest = c.GetHeader("Repr-Digest")
	}
	res, err := h.svc.Put(c.Request.Context(), key, collab.PutRequest{
		Version: body.Version,
		Parents: body.Parents,
		Patches: body.Patches,
		Body:    body.Body,
		Peer:    body.Peer,
		Digest:  body.Digest,
	})
	if err != nil {
		writeError(c, key, err)
		return
	}
	c.Header("Version", FormatVersion(res.Version))
	c.JSON(http.StatusOK, gin.H{"version": res.Version, "noop": res.Noop})
}

func (h *Handler) Delete(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), key); err != nil {
		writeError(c, key, err)
		return
	}
	if h.manager != nil {
		h.manager.Hub().CloseKey(key)
	}
	c.Status(http.StatusOK)
}

func (h *Handler) Subscribe(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	if h.manager == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "subscriptions disabled"})
		return
	}
	h.manager.WebSocketConnect(c, key)
}

func (h *Handler) Snapshot(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	version, err := h.svc.SaveSnapshot(c.Request.Context(), key)
	if err != nil {
		writeError(c, key, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "version": version})
}

func (h *Handler) LatestSnapshot(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	snap, err := h.svc.LatestSnapshot(c.Request.Context(), key)
	if errors.Is(err, store.ErrNoSnapshot) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		writeError(c, key, err)
		return
	}
	c.Header("Version", FormatVersion(strings.Split(snap.Version, ",")))
	c.JSON(http.StatusOK, gin.H{
		"key":       snap.ResourceKey,
		"version":   strings.Split(snap.Version, ","),
		"content":   snap.Content,
		"createdAt": snap.CreatedAt,
	})
}

func (h *Handler) Keys(c *gin.Context) {
	resp := gin.H{"keys": h.svc.Keys()}
	if h.Presence != nil {
		active, err := h.Presence.Keys(c.Request.Context())
		if err != nil {
			glog.Warningf("[http] presence keys: %v", err)
		} else {
			resp["subscribed"] = active
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Subscribers(c *gin.Context) {
	key, ok := resourceKey(c)
	if !ok {
		return
	}
	if h.Presence == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "presence disabled"})
		return
	}
	peers, err := h.Presence.Subscribers(c.Request.Context(), key)
	if err != nil {
		writeError(c, key, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "peers": peers})
}

// writeError 把引擎错误映射成状态码
func writeError(c *gin.Context, key string, err error) {
	var vu *collab.VersionUnknownError
	switch {
	case errors.Is(err, collab.ErrMalformedVersion), errors.Is(err, collab.ErrMalformedPatch), errors.Is(err, collab.ErrEmptyKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &vu):
		missing, _ := json.Marshal(vu.Missing)
		c.Header("Missing-Versions", string(missing))
		c.JSON(StatusVersionUnknown, gin.H{"error": err.Error(), "missing": vu.Missing})
	case errors.Is(err, collab.ErrBusy), errors.Is(err, collab.ErrClosed):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, collab.ErrContentIntegrity), errors.Is(err, collab.ErrReplayDiverged):
		c.Header("Retry", "no")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		glog.Errorf("[http] %s %s: %v", c.Request.Method, key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
