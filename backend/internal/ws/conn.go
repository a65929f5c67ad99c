package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/braid-org/braid-text-sub000/backend/internal/collab"
)

var (
	ErrSlowConsumer = errors.New("SLOW_CONSUMER")
	ErrConnClosed   = errors.New("CONN_CLOSED")
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	putTimeout = 5 * time.Second
)

// Service 是连接需要的协作引擎能力
type Service interface {
	Get(ctx context.Context, key string, req collab.GetRequest) (*collab.GetResult, error)
	Put(ctx context.Context, key string, req collab.PutRequest) (*collab.PutResult, error)
	Forget(ctx context.Context, key, id string)
}

type Conn struct {
	ws   *websocket.Conn
	hub  *Hub
	key  string
	peer string
	// send 是出站队列；满了说明客户端跟不上，订阅会被移除
	send chan ServerMessage
	done chan struct{}
	once sync.Once

	//协作引擎服务
	svc      Service
	presence collab.Presence
	// 信号量控制
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, key, peer string, svc Service, presence collab.Presence, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		key:      key,
		peer:     peer,
		send:     make(chan ServerMessage, 1024),
		done:     make(chan struct{}),
		svc:      svc,
		presence: presence,
		sem:      sem,
	}
}

// Send 实现 collab.Subscriber：只入队，不等待网络
func (c *Conn) Send(_ context.Context, u collab.Update) error {
	return c.enqueue(updateMessage(u))
}

func (c *Conn) enqueue(msg ServerMessage) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		// 如果队列满了，断开连接，客户端重连后从自己的版本重新订阅
		c.Close()
		return ErrSlowConsumer
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) handlePut(ctx context.Context, msg ClientMessage) {
	putCtx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(putCtx); err != nil {
			c.enqueue(errorMessage(msg.ID, collab.ErrBusy))
			return
		}
		defer c.sem.Release()
	}

	res, err := c.svc.Put(putCtx, c.key, collab.PutRequest{
		Version: msg.Version,
		Parents: msg.Parents,
		Patches: msg.Patches,
		Body:    msg.Body,
		Digest:  msg.Digest,
		Peer:    c.peer,
	})
	if err != nil {
		c.enqueue(errorMessage(msg.ID, err))
		return
	}
	c.enqueue(ServerMessage{Type: "ack", ID: msg.ID, Version: res.Version})
}

func errorMessage(id string, err error) ServerMessage {
	m := ServerMessage{Type: "error", ID: id, Content: err.Error()}
	var vu *collab.VersionUnknownError
	if errors.As(err, &vu) {
		m.Missing = vu.Missing
	}
	return m
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.Close()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(1).Infof("[ws] read (key=%s, peer=%s): %v", c.key, c.peer, err)
			}
			return
		}
		switch msg.Type {
		case "put":
			c.handlePut(ctx, msg)
		case "heartbeat":
			if c.presence != nil {
				if err := c.presence.AddSubscriber(ctx, c.key, c.peer, 2*pingPeriod); err != nil {
					glog.Warningf("[ws] presence refresh (key=%s): %v", c.key, err)
				}
			}
			c.enqueue(ServerMessage{Type: "ack", ID: msg.ID})
		default:
			// 忽略未知类型，回一条提示
			c.enqueue(ServerMessage{Type: "error", ID: msg.ID, Content: "unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				glog.V(1).Infof("[ws] write (key=%s, peer=%s): %v", c.key, c.peer, err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
