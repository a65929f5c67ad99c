package ws

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/braid-org/braid-text-sub000/backend/internal/collab"
)

// localOrigin 只放行本机页面；不带 Origin 的非浏览器客户端（对端服务器）直接放行
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

var upgrader = websocket.Upgrader{CheckOrigin: localOrigin}

type Manager struct {
	h        *Hub
	svc      Service
	presence collab.Presence
	sem      *collab.SemaphoreControl
}

func NewManager(h *Hub, svc Service, presence collab.Presence, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, presence: presence, sem: sem}
}

func (m *Manager) Hub() *Hub { return m.h }

// SplitList 解析 "a-1,b-2" 或 "\"a-1\", \"b-2\"" 形式的版本列表
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// WebSocketConnect 升级连接并以 query 中的 parents / peer / merge-type 订阅 key
func (m *Manager) WebSocketConnect(c *gin.Context, key string) {
	peer := c.Query("peer")
	if peer == "" {
		peer = uuid.NewString()
	}
	mergeType := collab.MergeType(c.DefaultQuery("merge-type", string(collab.MergeDT)))
	parents := SplitList(c.Query("parents"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("[ws] upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, key, peer, m.svc, m.presence, m.sem)
	wsConn.enqueue(ServerMessage{Type: "welcome", Key: key, Peer: peer})

	// 订阅时的初始推送先进入 send 队列，写循环启动后再发出
	ctx := c.Request.Context()
	res, err := m.svc.Get(ctx, key, collab.GetRequest{
		Parents:    parents,
		Subscribe:  true,
		Subscriber: wsConn,
		Peer:       peer,
		MergeType:  mergeType,
	})
	if err != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(errorMessage("", err))
		wsConn.Close()
		return
	}
	go wsConn.writeLoop()
	m.h.Join(key, wsConn)
	glog.V(1).Infof("[ws] %s: %s joined, %d connections on key", key, res.SubscriptionID, m.h.Count(key))
	defer func() {
		m.h.Leave(key, wsConn)
		m.svc.Forget(ctx, key, res.SubscriptionID)
	}()

	// 阻塞到连接关闭
	wsConn.readLoop(ctx)
}
