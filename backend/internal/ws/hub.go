package ws

import "sync"

// Hub 记录每个资源上的 websocket 连接，用于资源删除时断开它们
type Hub struct {
	mu sync.RWMutex
	// key -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入资源房间
func (h *Hub) Join(key string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[key] == nil {
		// 同一对端可以有多条连接（多标签页），按连接而不是按 peer 记录
		h.rooms[key] = make(map[*Conn]struct{})
	}
	h.rooms[key][c] = struct{}{}
}

// Leave 将连接从资源房间移除
func (h *Hub) Leave(key string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[key]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, key)
		}
	}
}

// Count 返回 key 上的连接数
func (h *Hub) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[key])
}

// CloseKey 断开 key 上的所有连接
func (h *Hub) CloseKey(key string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[key]))
	for c := range h.rooms[key] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
