package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/campuscode/coderoom/internal/stats"
	"github.com/campuscode/coderoom/internal/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
)

// Client is one live connection. A client occupies at most one room at
// a time; joining another room leaves the current one first.
type Client struct {
	conn     *websocket.Conn
	cs       *CollabServer
	log      *log.Logger
	stats    stats.StatsProvider
	user     types.User
	send     chan *ServerMessage
	room     *Room
	roomLock sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *CollabServer, l *log.Logger, sp stats.StatsProvider) *Client {
	return &Client{
		conn:  conn,
		cs:    cs,
		log:   l,
		stats: sp,
		user:  user,
		send:  make(chan *ServerMessage, 256),
		stop:  make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		if msg.Join.RoomId == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		c.joinRoom(msg)
	case msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.Code != nil:
		c.forwardToRoom(msg, msg.Code.RoomId)
	case msg.Chat != nil:
		c.forwardToRoom(msg, msg.Chat.RoomId)
	case msg.Cursor != nil:
		c.forwardToRoom(msg, msg.Cursor.RoomId)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// forwardToRoom hands a room-scoped message to the occupied room's
// goroutine. Admission into the room channel fixes the order in which
// the room applies code and chat events.
func (c *Client) forwardToRoom(msg *ClientMessage, roomId string) {
	r, ok := c.getRoom(roomId)
	if !ok {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.clientMsgChan <- msg:
	default:
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		c.log.Printf("clientMsgChan full for room %q", r.id)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.cs.DeregisterClient(c)
	c.leaveCurrentRoom()
	c.stopClient()
}

// leaveCurrentRoom notifies the occupied room that this connection is
// gone. The participant record survives as inactive so a reconnect can
// resume it.
func (c *Client) leaveCurrentRoom() {
	c.roomLock.RLock()
	room := c.room
	c.roomLock.RUnlock()

	if room == nil {
		return
	}

	select {
	case room.leaveChan <- &ClientMessage{
		Leave:  &Leave{RoomId: room.id},
		UserId: c.user.Id,
		client: c,
	}:
	default:
		c.log.Printf("leaveChan full for room %q", room.id)
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	// a session occupies one room at a time
	if cur, ok := c.getRoom(""); ok && cur.id != msg.Join.RoomId {
		c.leaveCurrentRoom()
	}

	select {
	case c.cs.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r, ok := c.getRoom(msg.Leave.RoomId)
	if !ok {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for room %q", r.id)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) attachRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	c.room = r
}

func (c *Client) detachRoom(id string) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	if c.room != nil && c.room.id == id {
		c.room = nil
	}
}

// getRoom returns the occupied room. A non-empty id must match the
// occupied room's id.
func (c *Client) getRoom(id string) (*Room, bool) {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()

	if c.room == nil {
		return nil, false
	}
	if id != "" && c.room.id != id {
		return nil, false
	}

	return c.room, true
}
