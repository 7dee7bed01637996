package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Participant struct {
	UserId   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	Active   bool      `json:"active"`
	Cursor   Cursor    `json:"cursor"`
}

// CodeSnapshot is one entry in a room's bounded history trail.
type CodeSnapshot struct {
	Content   string    `json:"content"`
	UpdatedBy string    `json:"updated_by"`
	Timestamp time.Time `json:"timestamp"`
}

type CodeState struct {
	Content     string         `json:"content"`
	Language    string         `json:"language"`
	Version     int            `json:"version"`
	LastUpdated time.Time      `json:"last_updated"`
	History     []CodeSnapshot `json:"history,omitempty"`
}

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageCode   MessageKind = "code"
	MessageSystem MessageKind = "system"
)

type ChatMessage struct {
	RoomId    string      `json:"room_id"`
	UserId    string      `json:"user_id"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
}

type RoomStatus string

const (
	RoomActive    RoomStatus = "active"
	RoomCompleted RoomStatus = "completed"
	RoomArchived  RoomStatus = "archived"
)

type RoomSettings struct {
	MaxParticipants int  `json:"max_participants"`
	AllowViewers    bool `json:"allow_viewers"`
	AutoSave        bool `json:"auto_save"`
	// SaveInterval is the autosave period in seconds.
	SaveInterval int `json:"save_interval"`
}

// RoomView is a read-only copy of a live room, produced by the room
// goroutine for join responses and checkpoint flushes.
type RoomView struct {
	Id           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	ProblemId    string        `json:"problem_id,omitempty"`
	Status       RoomStatus    `json:"status"`
	Participants []Participant `json:"participants"`
	Code         CodeState     `json:"code"`
	Chat         []ChatMessage `json:"chat,omitempty"`
	Settings     RoomSettings  `json:"settings"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
}
