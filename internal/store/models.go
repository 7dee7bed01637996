package store

import (
	"time"

	"github.com/campuscode/coderoom/internal/types"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type UserRecord struct {
	Id           primitive.ObjectID `bson:"_id,omitempty"`
	Username     string             `bson:"username"`
	EmailAddress string             `bson:"email"`
	PasswordHash string             `bson:"password_hash"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
}

type CursorRecord struct {
	Line   int `bson:"line"`
	Column int `bson:"column"`
}

type ParticipantRecord struct {
	UserId   string       `bson:"user_id"`
	Username string       `bson:"username"`
	Role     string       `bson:"role"`
	JoinedAt time.Time    `bson:"joined_at"`
	IsActive bool         `bson:"is_active"`
	Cursor   CursorRecord `bson:"cursor"`
}

type CodeSnapshotRecord struct {
	Content   string    `bson:"content"`
	UpdatedBy string    `bson:"updated_by"`
	Timestamp time.Time `bson:"timestamp"`
}

type CodeRecord struct {
	Content     string               `bson:"content"`
	Language    string               `bson:"language"`
	Version     int                  `bson:"version"`
	LastUpdated time.Time            `bson:"last_updated"`
	History     []CodeSnapshotRecord `bson:"history"`
}

type ChatMessageRecord struct {
	UserId    string    `bson:"user_id"`
	Username  string    `bson:"username"`
	Content   string    `bson:"content"`
	Kind      string    `bson:"kind"`
	Timestamp time.Time `bson:"timestamp"`
}

type SettingsRecord struct {
	MaxParticipants int  `bson:"max_participants"`
	AllowViewers    bool `bson:"allow_viewers"`
	AutoSave        bool `bson:"auto_save"`
	SaveInterval    int  `bson:"save_interval"`
}

// RoomRecord is the durable form of a room, keyed by its external id.
// It mirrors the live room minus transient session state.
type RoomRecord struct {
	Id           primitive.ObjectID  `bson:"_id,omitempty"`
	ExternalId   string              `bson:"external_id"`
	Title        string              `bson:"title"`
	Description  string              `bson:"description"`
	ProblemId    string              `bson:"problem_id,omitempty"`
	CreatedBy    string              `bson:"created_by"`
	Status       string              `bson:"status"`
	Participants []ParticipantRecord `bson:"participants"`
	Code         CodeRecord          `bson:"code"`
	Chat         []ChatMessageRecord `bson:"chat"`
	Settings     SettingsRecord      `bson:"settings"`
	CreatedAt    time.Time           `bson:"created_at"`
	UpdatedAt    time.Time           `bson:"updated_at"`
}

type CreateUserParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	ExternalId  string
	Title       string
	Description string
	ProblemId   string
	Language    string
	CreatedBy   string
	Settings    SettingsRecord
}

// RecordFromView converts a room snapshot into its durable form.
// Identity fields (_id, created_by, created_at) are left zero; SaveRoom
// only writes the mutable portion of the document.
func RecordFromView(view types.RoomView) RoomRecord {
	rec := RoomRecord{
		ExternalId:  view.Id,
		Title:       view.Title,
		Description: view.Description,
		ProblemId:   view.ProblemId,
		Status:      string(view.Status),
		Code: CodeRecord{
			Content:     view.Code.Content,
			Language:    view.Code.Language,
			Version:     view.Code.Version,
			LastUpdated: view.Code.LastUpdated,
		},
		Settings: SettingsRecord{
			MaxParticipants: view.Settings.MaxParticipants,
			AllowViewers:    view.Settings.AllowViewers,
			AutoSave:        view.Settings.AutoSave,
			SaveInterval:    view.Settings.SaveInterval,
		},
		CreatedAt: view.CreatedAt,
	}

	for _, snap := range view.Code.History {
		rec.Code.History = append(rec.Code.History, CodeSnapshotRecord{
			Content:   snap.Content,
			UpdatedBy: snap.UpdatedBy,
			Timestamp: snap.Timestamp,
		})
	}

	for _, p := range view.Participants {
		rec.Participants = append(rec.Participants, ParticipantRecord{
			UserId:   p.UserId,
			Username: p.Username,
			Role:     string(p.Role),
			JoinedAt: p.JoinedAt,
			IsActive: p.Active,
			Cursor:   CursorRecord{Line: p.Cursor.Line, Column: p.Cursor.Column},
		})
	}

	for _, msg := range view.Chat {
		rec.Chat = append(rec.Chat, ChatMessageRecord{
			UserId:    msg.UserId,
			Username:  msg.Username,
			Content:   msg.Content,
			Kind:      string(msg.Kind),
			Timestamp: msg.Timestamp,
		})
	}

	return rec
}

// View converts a durable record back into the shared view form used to
// seed a live room.
func (rec RoomRecord) View() types.RoomView {
	view := types.RoomView{
		Id:          rec.ExternalId,
		Title:       rec.Title,
		Description: rec.Description,
		ProblemId:   rec.ProblemId,
		Status:      types.RoomStatus(rec.Status),
		Code: types.CodeState{
			Content:     rec.Code.Content,
			Language:    rec.Code.Language,
			Version:     rec.Code.Version,
			LastUpdated: rec.Code.LastUpdated,
		},
		Settings: types.RoomSettings{
			MaxParticipants: rec.Settings.MaxParticipants,
			AllowViewers:    rec.Settings.AllowViewers,
			AutoSave:        rec.Settings.AutoSave,
			SaveInterval:    rec.Settings.SaveInterval,
		},
		CreatedAt: rec.CreatedAt,
	}

	for _, snap := range rec.Code.History {
		view.Code.History = append(view.Code.History, types.CodeSnapshot{
			Content:   snap.Content,
			UpdatedBy: snap.UpdatedBy,
			Timestamp: snap.Timestamp,
		})
	}

	for _, p := range rec.Participants {
		view.Participants = append(view.Participants, types.Participant{
			UserId:   p.UserId,
			Username: p.Username,
			Role:     types.Role(p.Role),
			JoinedAt: p.JoinedAt,
			Active:   p.IsActive,
			Cursor:   types.Cursor{Line: p.Cursor.Line, Column: p.Cursor.Column},
		})
	}

	for _, msg := range rec.Chat {
		view.Chat = append(view.Chat, types.ChatMessage{
			RoomId:    rec.ExternalId,
			UserId:    msg.UserId,
			Username:  msg.Username,
			Content:   msg.Content,
			Kind:      types.MessageKind(msg.Kind),
			Timestamp: msg.Timestamp,
		})
	}

	return view
}
