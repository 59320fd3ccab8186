package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchparty/watchparty/internal/store"
	"github.com/watchparty/watchparty/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one websocket connection to the sync server. It applies the
// peer's ops in arrival order, which is all the cross-participant
// ordering the protocol promises.
type Client struct {
	conn   *websocket.Conn
	server *SyncServer
	log    *log.Logger

	identity types.Identity
	send     chan []byte

	subsMu sync.Mutex
	subs   map[int]store.Subscription

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(identity types.Identity, conn *websocket.Conn, s *SyncServer, l *log.Logger) *Client {
	return &Client{
		conn:     conn,
		server:   s,
		log:      l,
		identity: identity,
		send:     make(chan []byte, 256),
		subs:     make(map[int]store.Subscription),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					c.log.Printf("ws: write: %v", err)
				}
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var req store.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Printf("error parsing request: %v", err)
			c.queueMessage(ErrInvalidRequest(0))
			continue
		}

		c.handleRequest(&req)
	}
}

func (c *Client) handleRequest(req *store.Request) {
	switch {
	case req.Subscribe != nil:
		c.handleSubscribe(req)
	case req.Unsubscribe != nil:
		c.handleUnsubscribe(req)
	default:
		c.queueMessage(c.server.apply(context.Background(), req))
	}
}

func (c *Client) handleSubscribe(req *store.Request) {
	subID := req.ID

	var (
		sub store.Subscription
		err error
	)
	switch req.Subscribe.Kind {
	case store.SubValue:
		sub, err = c.server.tree.OnValue(req.Subscribe.Path, func(value any) {
			c.queueEvent(subID, store.SubValue, "", value)
		})
	case store.SubChildAdded:
		sub, err = c.server.tree.OnChildAdded(req.Subscribe.Path, func(key string, value any) {
			c.queueEvent(subID, store.SubChildAdded, key, value)
		})
	default:
		c.queueMessage(ErrInvalidRequest(req.ID))
		return
	}
	if err != nil {
		c.log.Printf("subscribe %q: %v", req.Subscribe.Path, err)
		c.queueMessage(ErrInternalError(req.ID))
		return
	}

	c.subsMu.Lock()
	if old, ok := c.subs[subID]; ok {
		old.Cancel()
	}
	c.subs[subID] = sub
	c.subsMu.Unlock()

	c.server.stats.Incr(metricActiveSubscriptions)
	c.queueMessage(NoErrOK(req.ID))
}

func (c *Client) handleUnsubscribe(req *store.Request) {
	c.subsMu.Lock()
	sub, ok := c.subs[req.Unsubscribe.SubID]
	if ok {
		delete(c.subs, req.Unsubscribe.SubID)
	}
	c.subsMu.Unlock()

	if ok {
		sub.Cancel()
		c.server.stats.Decr(metricActiveSubscriptions)
	}
	c.queueMessage(NoErrOK(req.ID))
}

func (c *Client) queueEvent(subID int, kind store.SubKind, key string, value any) {
	var raw json.RawMessage
	if value != nil {
		var err error
		raw, err = json.Marshal(value)
		if err != nil {
			c.log.Printf("marshal event value: %v", err)
			return
		}
	}
	c.queueMessage(newEvent(subID, kind, key, raw))
}

func (c *Client) queueMessage(msg *store.ServerMessage) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.log.Printf("failed to serialize message: %v", err)
		return false
	}

	select {
	case c.send <- raw:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}
	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.subsMu.Lock()
	for id, sub := range c.subs {
		sub.Cancel()
		delete(c.subs, id)
		c.server.stats.Decr(metricActiveSubscriptions)
	}
	c.subsMu.Unlock()

	c.server.Deregister(c)
	c.stopClient()
}
