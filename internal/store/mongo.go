package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	roomsCollection = "coderooms"
	usersCollection = "users"
)

type MongoRepository struct {
	client *mongo.Client
	rooms  *mongo.Collection
	users  *mongo.Collection
}

func NewMongoRepository(client *mongo.Client, dbName string) *MongoRepository {
	db := client.Database(dbName)
	return &MongoRepository{
		client: client,
		rooms:  db.Collection(roomsCollection),
		users:  db.Collection(usersCollection),
	}
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func (r *MongoRepository) CreateUser(ctx context.Context, params CreateUserParams) (UserRecord, error) {
	now := time.Now().UTC()
	rec := UserRecord{
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res, err := r.users.InsertOne(ctx, rec)
	if err != nil {
		return UserRecord{}, fmt.Errorf("insert user: %w", err)
	}

	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return UserRecord{}, fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	rec.Id = id

	return rec, nil
}

func (r *MongoRepository) GetUserByEmail(ctx context.Context, email string) (UserRecord, error) {
	var rec UserRecord
	err := r.users.FindOne(ctx, bson.M{"email": email}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return UserRecord{}, ErrNotFound
		}
		return UserRecord{}, fmt.Errorf("find user by email: %w", err)
	}

	return rec, nil
}

func (r *MongoRepository) GetUserById(ctx context.Context, id string) (UserRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return UserRecord{}, ErrNotFound
	}

	var rec UserRecord
	err = r.users.FindOne(ctx, bson.M{"_id": oid}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return UserRecord{}, ErrNotFound
		}
		return UserRecord{}, fmt.Errorf("find user by id: %w", err)
	}

	return rec, nil
}

func (r *MongoRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (RoomRecord, error) {
	now := time.Now().UTC()

	settings := params.Settings
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = 5
	}
	if settings.SaveInterval <= 0 {
		settings.SaveInterval = 30
	}

	rec := RoomRecord{
		ExternalId:  params.ExternalId,
		Title:       params.Title,
		Description: params.Description,
		ProblemId:   params.ProblemId,
		CreatedBy:   params.CreatedBy,
		Status:      "active",
		Code: CodeRecord{
			Language:    params.Language,
			Version:     1,
			LastUpdated: now,
		},
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res, err := r.rooms.InsertOne(ctx, rec)
	if err != nil {
		return RoomRecord{}, fmt.Errorf("insert room: %w", err)
	}

	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return RoomRecord{}, fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	rec.Id = id

	return rec, nil
}

func (r *MongoRepository) LoadRoom(ctx context.Context, roomId string) (RoomRecord, error) {
	var rec RoomRecord
	err := r.rooms.FindOne(ctx, bson.M{"external_id": roomId}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return RoomRecord{}, ErrNotFound
		}
		return RoomRecord{}, fmt.Errorf("find room %q: %w", roomId, err)
	}

	return rec, nil
}

// SaveRoom writes the mutable portion of a room document. Identity
// fields set at creation (created_by, created_at) are left untouched.
func (r *MongoRepository) SaveRoom(ctx context.Context, rec RoomRecord) error {
	update := bson.M{"$set": bson.M{
		"title":        rec.Title,
		"description":  rec.Description,
		"status":       rec.Status,
		"participants": rec.Participants,
		"code":         rec.Code,
		"chat":         rec.Chat,
		"settings":     rec.Settings,
		"updated_at":   time.Now().UTC(),
	}}

	res, err := r.rooms.UpdateOne(ctx, bson.M{"external_id": rec.ExternalId}, update, options.Update())
	if err != nil {
		return fmt.Errorf("update room %q: %w", rec.ExternalId, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *MongoRepository) DeleteRoom(ctx context.Context, roomId string) error {
	res, err := r.rooms.DeleteOne(ctx, bson.M{"external_id": roomId})
	if err != nil {
		return fmt.Errorf("delete room %q: %w", roomId, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *MongoRepository) ListRooms(ctx context.Context, status string) ([]RoomRecord, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	cur, err := r.rooms.Find(ctx, filter, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer cur.Close(ctx)

	var recs []RoomRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}

	return recs, nil
}
