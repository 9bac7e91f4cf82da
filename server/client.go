package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Proposed documents travel in activate messages.
	maxMsgSize = 4 << 20
)

// Client is a single WebSocket connection driving one rendering panel.
type Client struct {
	ID string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// The session and panel kind this client joined (nil/empty before join).
	// joining is set from the join request until a session accepts or
	// rejects it.
	mu      sync.Mutex
	session *Session
	panel   string
	joining bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		ID:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if hub.opts.CommandRate > 0 {
		burst := hub.opts.CommandBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(hub.opts.CommandRate, burst)
	}
	return c
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	log := c.hub.log.With(zap.String("client", c.ID))
	defer func() {
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s != nil {
			s.leave <- c
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.hub.opts.Metrics.WSMessages.WithLabelValues(msg.Type).Inc()
		c.route(msg)
	}
}

func (c *Client) route(msg ClientMessage) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	switch msg.Type {
	case MsgJoin:
		if msg.Panel != PanelEditable && msg.Panel != PanelSandbox {
			c.sendError("unknown panel: " + msg.Panel)
			return
		}
		if msg.DocID == "" {
			c.sendError("missing docId")
			return
		}
		c.mu.Lock()
		if c.session != nil || c.joining {
			c.mu.Unlock()
			c.sendError("already joined")
			return
		}
		c.joining = true
		c.panel = msg.Panel
		c.mu.Unlock()
		c.hub.joinDoc <- joinRequest{client: c, docID: msg.DocID}
	case MsgReady, MsgScroll:
		if s == nil {
			c.sendError("not joined to a document")
			return
		}
		s.incoming <- clientEvent{client: c, msg: msg}
	case MsgActivate, MsgApply, MsgDiscard, MsgStyles:
		if s == nil {
			c.sendError("not joined to a document")
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError("rate limited: " + msg.Type)
			return
		}
		s.incoming <- clientEvent{client: c, msg: msg}
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMsg queues msg and reports whether it was queued.
func (c *Client) sendMsg(msg ServerMessage) bool {
	select {
	case c.send <- msg.Encode():
		return true
	default:
		// Client too slow, drop message.
		return false
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}

func (c *Client) panelKind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.panel
}
