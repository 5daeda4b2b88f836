// Package ws is the relay server: websocket clients subscribe to topics and
// publish to them, and the hub fans frames out.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/protocol"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	storeTimeout      = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errClientFrame = errors.New("clients may not send msg frames")

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// users maps user ids announced by JOIN to their room. Owned by
	// readPump; read by the hub after unregister.
	users map[string]string
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, 512),
		id:    uuid.NewString(),
		users: make(map[string]string),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := c.hub.limiters.Get(c.id)
	rateLimitWarnings := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client", c.id).Msg("websocket error")
			}
			return
		}

		if !limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.logger.Warn().Str("client", c.id).Int("warning", rateLimitWarnings).Msg("rate limit exceeded")
			}
			if rateLimitWarnings > 1000 {
				c.hub.logger.Warn().Str("client", c.id).Msg("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		frame, err := protocol.ParseRelayFrame(data)
		if err == nil {
			err = c.handle(frame)
		}
		if err != nil {
			c.hub.logger.Warn().Err(err).Str("client", c.id).Msg("invalid frame")
		}
		select {
		case <-c.hub.done:
			return
		default:
		}
	}
}

func (c *Client) handle(frame protocol.RelayFrame) error {
	roomID, cursors, ok := protocol.ParseTopic(frame.Topic)
	if !ok {
		return fmt.Errorf("unknown topic %q", frame.Topic)
	}

	switch frame.Op {
	case protocol.RelayOpSubscribe:
		sub := subscription{client: c, topic: frame.Topic}
		if !cursors {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			welcome, err := c.hub.welcome(ctx, roomID)
			cancel()
			if err != nil {
				c.hub.logger.Error().Err(err).Str("room", roomID).Msg("building room state failed")
			}
			sub.welcome = welcome
		}
		c.request(sub)

	case protocol.RelayOpUnsubscribe:
		c.request(subscription{client: c, topic: frame.Topic, remove: true})

	case protocol.RelayOpPublish:
		if !cursors {
			if err := c.inspect(roomID, frame.Payload); err != nil {
				return err
			}
		}
		data, err := msgFrame(frame.Topic, frame.Payload)
		if err != nil {
			return err
		}
		select {
		case c.hub.broadcast <- &Message{Topic: frame.Topic, Data: data, Sender: c}:
		case <-c.hub.done:
		}

	default:
		return errClientFrame
	}
	return nil
}

func (c *Client) request(sub subscription) {
	select {
	case c.hub.subscribe <- sub:
	case <-c.hub.done:
	}
}

// inspect tracks membership and merges document updates before they are
// forwarded. Messages that are not valid envelopes or updates are refused.
func (c *Client) inspect(roomID, payload string) error {
	env, err := protocol.ParseEnvelope(payload)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.MessageTypeJoin:
		var jc protocol.JoinContent
		if err := env.Decode(&jc); err != nil {
			return err
		}
		if jc.UserID == "" {
			jc.UserID = env.Sender
		}
		c.users[jc.UserID] = roomID

	case protocol.MessageTypeLeave:
		var lc protocol.LeaveContent
		if err := env.Decode(&lc); err != nil {
			return err
		}
		if lc.UserID == "" {
			lc.UserID = env.Sender
		}
		delete(c.users, lc.UserID)

	case protocol.MessageTypeCodeUpdate:
		var cu protocol.CodeUpdateContent
		if err := env.Decode(&cu); err != nil {
			return err
		}
		frame, err := codec.DecodeText(cu.Code)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		r, err := c.hub.Document(ctx, roomID)
		if err != nil {
			// Still forwarded; peers hold the state.
			c.hub.logger.Error().Err(err).Str("room", roomID).Msg("loading room failed")
			return nil
		}
		if err := r.Apply(frame); err != nil {
			return err
		}
		if err := c.hub.persist(ctx, roomID, frame); err != nil {
			c.hub.logger.Error().Err(err).Str("room", roomID).Msg("saving update failed")
		}
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
