package server

import (
	"net/http"
	"time"

	"github.com/campuscode/coderoom/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the inbound envelope. Exactly one of the pointer
// fields is set per message.
type ClientMessage struct {
	BaseMessage
	Join   *Join        `json:"join,omitempty"`
	Leave  *Leave       `json:"leave,omitempty"`
	Code   *CodeChange  `json:"code,omitempty"`
	Chat   *ChatPublish `json:"chat,omitempty"`
	Cursor *CursorMove  `json:"cursor,omitempty"`
	UserId string       `json:"-"`
	client *Client      `json:"-"`
}

// GetUserId returns the sender identity, falling back to the attached
// client when the message was constructed server-side.
func (m *ClientMessage) GetUserId() string {
	if m.UserId != "" {
		return m.UserId
	}
	if m.client != nil {
		return m.client.user.Id
	}

	return ""
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type CodeChange struct {
	RoomId   string `json:"room_id"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

type ChatPublish struct {
	RoomId  string            `json:"room_id"`
	Content string            `json:"content"`
	Kind    types.MessageKind `json:"kind,omitempty"`
}

type CursorMove struct {
	RoomId string `json:"room_id"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	BaseMessage
	Response     *Response          `json:"response,omitempty"`
	CodeUpdate   *CodeUpdate        `json:"code_update,omitempty"`
	Chat         *types.ChatMessage `json:"chat,omitempty"`
	Notification *Notification      `json:"notification,omitempty"`
	SkipClient   *Client            `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type CodeUpdate struct {
	RoomId    string `json:"room_id"`
	Content   string `json:"content"`
	Version   int    `json:"version"`
	UpdatedBy string `json:"updated_by"`
}

type Notification struct {
	Presence   *Presence   `json:"presence,omitempty"`
	RoomClosed *RoomClosed `json:"room_closed,omitempty"`
}

type Presence struct {
	RoomId string        `json:"room_id"`
	UserId string        `json:"user_id"`
	Active bool          `json:"active"`
	Cursor *types.Cursor `json:"cursor,omitempty"`
}

type RoomClosed struct {
	RoomId string `json:"room_id"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "room not found",
		},
	}
}

func ErrRoomFull(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusConflict,
			Error:        "room is full",
		},
	}
}

func ErrNotAMember(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not a member of this room",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
