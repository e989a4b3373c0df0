package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// outbound is one queued websocket message
type outbound struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

// client is one connected UI. The write loop owns every write on conn;
// everything else hands messages over through send, or audio for binary
// frames.
type client struct {
	id      string
	conn    *websocket.Conn
	gw      *Gateway
	send    chan outbound
	audio   chan []byte
	audioMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	joined  time.Time
}

func newClient(id string, conn *websocket.Conn, gw *Gateway, queue int) *client {
	return &client{
		id:     id,
		conn:   conn,
		gw:     gw,
		send:   make(chan outbound, queue),
		audio:  make(chan []byte, queue),
		done:   make(chan struct{}),
		joined: time.Now(),
	}
}

// enqueue hands a message to the write loop without blocking and reports
// false when a message was lost. A full text queue drops msg; a full audio
// queue evicts its oldest frame so the client stays current.
func (c *client) enqueue(msg outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if msg.kind == websocket.BinaryMessage {
		return c.enqueueAudio(msg.data)
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *client) enqueueAudio(data []byte) bool {
	select {
	case c.audio <- data:
		return true
	default:
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	lost := false
	for {
		select {
		case c.audio <- data:
			return !lost
		default:
		}
		select {
		case <-c.audio:
			c.dropped.Add(1)
			lost = true
		default:
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writeLoop drains the send queue and keeps the connection alive with pings
func (c *client) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
				return err
			}

		case data := <-c.audio:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return err
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop handles everything the client sends until it goes away
func (c *client) readLoop(ctx context.Context) error {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(logging.CompGateway, "Client read failed", map[string]interface{}{
					"client": c.id,
					"error":  err.Error(),
				})
			}
			return nil
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			c.gw.handleAudio(c, data)
		case websocket.TextMessage:
			if !c.gw.handleText(ctx, c, data) {
				return nil
			}
		}
	}
}

// push queues a state message for this client only
func (c *client) push(msgType string, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		logging.Warnf(logging.CompGateway, "failed to encode %s: %v", msgType, err)
		return
	}
	c.enqueue(text(data))
}

// reply queues the response to a request from this client
func (c *client) reply(resp *protocol.Response) {
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Warnf(logging.CompGateway, "failed to encode reply: %v", err)
		return
	}
	c.enqueue(text(data))
}
