package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/campuscode/coderoom/internal/stats"
	"github.com/campuscode/coderoom/internal/store"
	"github.com/campuscode/coderoom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestRoom builds a room wired to the given server with a stopped
// kill timer so it never fires during a test.
func newTestRoom(cs *CollabServer) *Room {
	r := &Room{
		id:            "room1",
		title:         "Two Sum",
		status:        types.RoomActive,
		settings:      types.RoomSettings{MaxParticipants: 5, SaveInterval: 30},
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 16),
		leaveChan:     make(chan *ClientMessage, 16),
		clientMsgChan: make(chan *ClientMessage, 16),
		flushChan:     make(chan struct{}, 1),
		exit:          make(chan exitReq),
		code:          newCodeState(types.CodeState{}),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		log:           cs.log,
		killTimer:     time.NewTimer(idleRoomTimeout),
	}
	r.killTimer.Stop()
	return r
}

func newTestClient(cs *CollabServer, id, username string) *Client {
	return &Client{
		cs:   cs,
		user: types.User{Id: id, Username: username},
		send: make(chan *ServerMessage, 256),
		log:  cs.log,
	}
}

func joinMessage(c *Client, roomId string, id int) *ClientMessage {
	return &ClientMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		Join:        &Join{RoomId: roomId},
		UserId:      c.user.Id,
		client:      c,
	}
}

func Test_room_handleJoin(t *testing.T) {
	t.Run("first joiner becomes host", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		c := newTestClient(cs, "u1", "alice")

		room.handleJoin(joinMessage(c, room.id, 1))

		assert.Len(t, room.participants, 1, "expected one participant after first join")
		assert.Equal(t, types.RoleHost, room.participants[0].role, "expected first joiner to be host")
		assert.True(t, room.participants[0].active, "expected joiner to be active")
		assert.Contains(t, room.clients, c, "expected client to be attached to room")
		assert.True(t, room.dirty, "expected join to mark the room dirty")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected join response")
			assert.Equal(t, 1, msg.Id)
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
			view, ok := msg.Response.Data.(types.RoomView)
			assert.True(t, ok, "expected room view in join response")
			assert.Equal(t, room.id, view.Id)
			assert.Len(t, view.Participants, 1)
		default:
			t.Error("expected join response to be queued")
		}
	})

	t.Run("second joiner is a participant and others are notified", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		c1 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c1, room.id, 1))
		<-c1.send // drain alice's join response

		c2 := newTestClient(cs, "u2", "bob")
		room.handleJoin(joinMessage(c2, room.id, 2))

		assert.Len(t, room.participants, 2)
		assert.Equal(t, types.RoleParticipant, room.participants[1].role, "expected later joiner to be a participant")

		select {
		case msg := <-c1.send:
			assert.NotNil(t, msg.Notification, "expected notification message")
			assert.NotNil(t, msg.Notification.Presence, "expected presence notification")
			assert.Equal(t, "u2", msg.Notification.Presence.UserId)
			assert.True(t, msg.Notification.Presence.Active, "expected presence to be active for joiner")
			assert.Equal(t, c2, msg.SkipClient, "expected joiner to be skipped in the broadcast")
		default:
			t.Error("expected presence notification for alice")
		}
	})

	t.Run("join at capacity returns 409", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.settings.MaxParticipants = 1

		c1 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c1, room.id, 1))
		<-c1.send

		c2 := newTestClient(cs, "u2", "bob")
		room.handleJoin(joinMessage(c2, room.id, 2))

		assert.Len(t, room.participants, 1, "expected no new participant record at capacity")
		assert.NotContains(t, room.clients, c2, "expected rejected client to not be attached")

		select {
		case msg := <-c2.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, 2, msg.Id)
			assert.Equal(t, http.StatusConflict, msg.Response.ResponseCode)
			assert.Equal(t, "room is full", msg.Response.Error)
		default:
			t.Error("expected room full response to be queued")
		}
	})

	t.Run("inactive member does not count against capacity", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.settings.MaxParticipants = 1
		room.participants = append(room.participants, &participant{
			user:     types.User{Id: "gone", Username: "ghost"},
			role:     types.RoleHost,
			active:   false,
			lastSeen: Now(),
		})

		c := newTestClient(cs, "u2", "bob")
		room.handleJoin(joinMessage(c, room.id, 1))

		assert.Len(t, room.participants, 2, "expected new participant to take the freed slot")
		assert.True(t, room.participants[1].active)

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected join response")
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		default:
			t.Error("expected join response to be queued")
		}
	})

	t.Run("rejoin reuses the membership record", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.participants = append(room.participants, &participant{
			user:     types.User{Id: "u1", Username: "alice"},
			role:     types.RoleHost,
			active:   false,
			lastSeen: Now().Add(-time.Minute),
		})

		c := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c, room.id, 1))

		assert.Len(t, room.participants, 1, "expected no duplicate participant record on rejoin")
		assert.True(t, room.participants[0].active, "expected record to be reactivated")
		assert.Equal(t, types.RoleHost, room.participants[0].role, "expected role to survive the disconnect")
	})
}

func Test_room_handleLeave(t *testing.T) {
	t.Run("marks participant inactive and notifies others", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		c1 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c1, room.id, 1))
		<-c1.send
		c2 := newTestClient(cs, "u2", "bob")
		room.handleJoin(joinMessage(c2, room.id, 2))
		<-c1.send // presence for bob
		<-c2.send // bob's join response

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3, Timestamp: Now()},
			Leave:       &Leave{RoomId: room.id},
			UserId:      "u1",
			client:      c1,
		})

		assert.False(t, room.participants[0].active, "expected leaver to be marked inactive")
		assert.NotContains(t, room.clients, c1, "expected client to be detached")
		assert.Contains(t, room.clients, c2, "expected other client to remain")

		select {
		case msg := <-c1.send:
			assert.NotNil(t, msg.Response, "expected leave ack")
			assert.Equal(t, 3, msg.Id)
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		default:
			t.Error("expected leave ack to be queued")
		}

		select {
		case msg := <-c2.send:
			assert.NotNil(t, msg.Notification, "expected notification message")
			assert.NotNil(t, msg.Notification.Presence, "expected presence notification")
			assert.Equal(t, "u1", msg.Notification.Presence.UserId)
			assert.False(t, msg.Notification.Presence.Active, "expected presence to be inactive for leaver")
		default:
			t.Error("expected presence notification for bob")
		}
	})

	t.Run("second connection keeps the member active", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		c1 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c1, room.id, 1))
		<-c1.send
		c2 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c2, room.id, 2))
		<-c2.send

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Leave:       &Leave{RoomId: room.id},
			UserId:      "u1",
			client:      c1,
		})

		assert.True(t, room.participants[0].active, "expected member to stay active while a connection remains")
		assert.Contains(t, room.clients, c2, "expected remaining connection to stay attached")
	})

	t.Run("disconnect frees a capacity slot but keeps the record", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.settings.MaxParticipants = 1

		c1 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c1, room.id, 1))
		<-c1.send

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Leave:       &Leave{RoomId: room.id},
			UserId:      "u1",
			client:      c1,
		})

		assert.Len(t, room.participants, 1, "expected membership record to survive the disconnect")
		assert.Equal(t, 0, room.activeCount(), "expected no active members")

		c2 := newTestClient(cs, "u2", "bob")
		room.handleJoin(joinMessage(c2, room.id, 2))

		select {
		case msg := <-c2.send:
			assert.NotNil(t, msg.Response, "expected join response")
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected freed slot to admit a new member")
		default:
			t.Error("expected join response to be queued")
		}
	})
}

func Test_handleCodeChange(t *testing.T) {
	t.Run("applies edit and fans out to others", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", statCodeChangesApplied).Once()
		cs := newTestCollabServer(t, &store.MockRepository{}, su)
		defer su.AssertExpectations(t)

		room := newTestRoom(cs)
		c1 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c1, room.id, 1))
		<-c1.send
		c2 := newTestClient(cs, "u2", "bob")
		room.handleJoin(joinMessage(c2, room.id, 2))
		<-c1.send
		<-c2.send
		room.dirty = false

		now := Now()
		room.handleCodeChange(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3, Timestamp: now},
			Code:        &CodeChange{RoomId: room.id, Content: "func twoSum() {}", Language: "go"},
			UserId:      "u1",
			client:      c1,
		})

		assert.Equal(t, "func twoSum() {}", room.code.content)
		assert.Equal(t, 2, room.code.version, "expected version to advance to 2")
		assert.Equal(t, "go", room.code.language)
		assert.True(t, room.dirty, "expected edit to mark the room dirty")

		// sender gets an ack, not the code update
		select {
		case msg := <-c1.send:
			assert.NotNil(t, msg.Response, "expected ack for sender")
			assert.Equal(t, 3, msg.Id)
			assert.Equal(t, http.StatusAccepted, msg.Response.ResponseCode)
		default:
			t.Error("expected ack to be queued for sender")
		}
		select {
		case msg := <-c1.send:
			t.Errorf("expected no further message for sender, got %+v", msg)
		default:
		}

		select {
		case msg := <-c2.send:
			assert.NotNil(t, msg.CodeUpdate, "expected code update for other member")
			assert.Equal(t, "func twoSum() {}", msg.CodeUpdate.Content)
			assert.Equal(t, 2, msg.CodeUpdate.Version)
			assert.Equal(t, "u1", msg.CodeUpdate.UpdatedBy)
			assert.Equal(t, room.id, msg.CodeUpdate.RoomId)
		default:
			t.Error("expected code update to be queued for bob")
		}
	})

	t.Run("non-member edit returns 403", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		c := newTestClient(cs, "stranger", "eve")
		room.handleCodeChange(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Code:        &CodeChange{RoomId: room.id, Content: "malicious"},
			UserId:      "stranger",
			client:      c,
		})

		assert.Equal(t, 1, room.code.version, "expected buffer to be untouched")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
			assert.Equal(t, "not a member of this room", msg.Response.Error)
		default:
			t.Error("expected error response to be queued")
		}
	})

	t.Run("inactive member edit returns 403", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.participants = append(room.participants, &participant{
			user:   types.User{Id: "u1", Username: "alice"},
			role:   types.RoleHost,
			active: false,
		})

		c := newTestClient(cs, "u1", "alice")
		room.handleCodeChange(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Code:        &CodeChange{RoomId: room.id, Content: "late edit"},
			UserId:      "u1",
			client:      c,
		})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		default:
			t.Error("expected error response to be queued")
		}
	})
}

func Test_handleChat(t *testing.T) {
	t.Run("chat is delivered to everyone including the sender", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", statChatMessagesSent).Once()
		cs := newTestCollabServer(t, &store.MockRepository{}, su)
		defer su.AssertExpectations(t)

		room := newTestRoom(cs)
		c1 := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c1, room.id, 1))
		<-c1.send
		c2 := newTestClient(cs, "u2", "bob")
		room.handleJoin(joinMessage(c2, room.id, 2))
		<-c1.send
		<-c2.send

		now := Now()
		room.handleChat(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3, Timestamp: now},
			Chat:        &ChatPublish{RoomId: room.id, Content: "try a hash map"},
			UserId:      "u1",
			client:      c1,
		})

		assert.Len(t, room.chat, 1, "expected message to be appended to the chat log")
		assert.Equal(t, types.MessageText, room.chat[0].Kind, "expected kind to default to text")

		for _, c := range []*Client{c1, c2} {
			select {
			case msg := <-c.send:
				assert.NotNil(t, msg.Chat, "expected chat message for %q", c.user.Username)
				assert.Equal(t, "try a hash map", msg.Chat.Content)
				assert.Equal(t, "u1", msg.Chat.UserId)
				assert.Equal(t, "alice", msg.Chat.Username)
				assert.Equal(t, now, msg.Chat.Timestamp)
			default:
				t.Errorf("expected chat message to be queued for %q", c.user.Username)
			}
		}
	})

	t.Run("code snippet kind is preserved", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", statChatMessagesSent).Once()
		cs := newTestCollabServer(t, &store.MockRepository{}, su)

		room := newTestRoom(cs)
		c := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c, room.id, 1))
		<-c.send

		room.handleChat(&ClientMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Chat:        &ChatPublish{RoomId: room.id, Content: "x := 1", Kind: types.MessageCode},
			UserId:      "u1",
			client:      c,
		})

		assert.Equal(t, types.MessageCode, room.chat[0].Kind)
	})

	t.Run("chat log is trimmed at retention limit", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", statChatMessagesSent).Once()
		cs := newTestCollabServer(t, &store.MockRepository{}, su)

		room := newTestRoom(cs)
		c := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c, room.id, 1))
		<-c.send

		for i := 0; i < chatLogRetention; i++ {
			room.chat = append(room.chat, types.ChatMessage{Content: fmt.Sprintf("msg %d", i)})
		}

		room.handleChat(&ClientMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Chat:        &ChatPublish{RoomId: room.id, Content: "latest"},
			UserId:      "u1",
			client:      c,
		})

		assert.Len(t, room.chat, chatLogRetention, "expected chat log to stay bounded")
		assert.Equal(t, "msg 1", room.chat[0].Content, "expected oldest message to be dropped")
		assert.Equal(t, "latest", room.chat[chatLogRetention-1].Content)
	})

	t.Run("non-member chat returns 403", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		c := newTestClient(cs, "stranger", "eve")
		room.handleChat(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Chat:        &ChatPublish{RoomId: room.id, Content: "hi"},
			UserId:      "stranger",
			client:      c,
		})

		assert.Empty(t, room.chat, "expected chat log to be untouched")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		default:
			t.Error("expected error response to be queued")
		}
	})
}

func Test_handleCursor(t *testing.T) {
	cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
	room := newTestRoom(cs)

	c1 := newTestClient(cs, "u1", "alice")
	room.handleJoin(joinMessage(c1, room.id, 1))
	<-c1.send
	c2 := newTestClient(cs, "u2", "bob")
	room.handleJoin(joinMessage(c2, room.id, 2))
	<-c1.send
	<-c2.send
	room.dirty = false

	room.handleCursor(&ClientMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Cursor:      &CursorMove{RoomId: room.id, Line: 12, Column: 4},
		UserId:      "u1",
		client:      c1,
	})

	assert.Equal(t, types.Cursor{Line: 12, Column: 4}, room.participants[0].cursor)
	assert.False(t, room.dirty, "expected cursor moves to not be flagged for persistence")

	select {
	case msg := <-c2.send:
		assert.NotNil(t, msg.Notification, "expected notification message")
		assert.NotNil(t, msg.Notification.Presence, "expected presence notification")
		assert.Equal(t, "u1", msg.Notification.Presence.UserId)
		assert.NotNil(t, msg.Notification.Presence.Cursor, "expected cursor in presence")
		assert.Equal(t, 12, msg.Notification.Presence.Cursor.Line)
		assert.Equal(t, 4, msg.Notification.Presence.Cursor.Column)
	default:
		t.Error("expected cursor notification to be queued for bob")
	}
}

func Test_checkpoint(t *testing.T) {
	t.Run("clean room does not enqueue", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		room.checkpoint()
		assert.Len(t, cs.flusher.flushChan, 0, "expected nothing enqueued for a clean room")
	})

	t.Run("dirty room enqueues a snapshot and clears the flag", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.dirty = true

		room.checkpoint()
		assert.False(t, room.dirty, "expected dirty flag to be cleared after enqueue")

		select {
		case view := <-cs.flusher.flushChan:
			assert.Equal(t, room.id, view.Id, "expected snapshot of this room")
		default:
			t.Error("expected snapshot in flush queue")
		}
	})

	t.Run("full flush queue keeps the room dirty", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.dirty = true

		for i := 0; i < flushQueueSize; i++ {
			cs.flusher.flushChan <- types.RoomView{}
		}

		room.checkpoint()
		assert.True(t, room.dirty, "expected room to stay dirty when the queue is full")
	})
}

func Test_pruneInactive(t *testing.T) {
	cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
	room := newTestRoom(cs)

	room.participants = []*participant{
		{user: types.User{Id: "u1", Username: "active"}, active: true, lastSeen: Now().Add(-time.Hour)},
		{user: types.User{Id: "u2", Username: "recent"}, active: false, lastSeen: Now().Add(-time.Minute)},
		{user: types.User{Id: "u3", Username: "stale"}, active: false, lastSeen: Now().Add(-inactiveRetention - time.Minute)},
	}

	room.pruneInactive()

	assert.Len(t, room.participants, 2, "expected the stale record to be dropped")
	assert.Equal(t, "u1", room.participants[0].user.Id, "expected active member to be kept regardless of age")
	assert.Equal(t, "u2", room.participants[1].user.Id, "expected recent disconnect to be kept for reconnect")
	assert.True(t, room.dirty, "expected prune to mark the room dirty")
}

func Test_handleIdleTimeout(t *testing.T) {
	t.Run("requests unload from the server", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		room.handleIdleTimeout()

		select {
		case req := <-cs.unloadRoomChan:
			assert.Equal(t, room.id, req.roomId, "expected unload request for this room")
			assert.False(t, req.closed, "expected closed flag to be false for idle eviction")
		default:
			t.Error("expected unload request to be sent")
		}
	})

	t.Run("retries later when the unload channel is full", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		cs.unloadRoomChan = make(chan unloadRoomRequest, 1)
		cs.unloadRoomChan <- unloadRoomRequest{roomId: "other"}

		room := newTestRoom(cs)
		room.handleIdleTimeout()

		assert.True(t, room.killTimer.Stop(), "expected kill timer to be rearmed after a failed unload request")
	})
}

func Test_handleExit(t *testing.T) {
	t.Run("flushes dirty state before exiting", func(t *testing.T) {
		repo := &store.MockRepository{}
		defer repo.AssertExpectations(t)

		cs := newTestCollabServer(t, repo, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)
		room.dirty = true

		repo.On("SaveRoom", mock.Anything, mock.MatchedBy(func(rec store.RoomRecord) bool {
			return rec.ExternalId == room.id
		})).Return(nil).Once()

		done := make(chan string, 1)
		room.handleExit(exitReq{done: done})

		select {
		case id := <-done:
			assert.Equal(t, room.id, id)
		default:
			t.Error("expected exit to signal done")
		}
	})

	t.Run("failed final flush is counted", func(t *testing.T) {
		repo := &store.MockRepository{}
		defer repo.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", statCheckpointFailures).Once()
		cs := newTestCollabServer(t, repo, su)
		defer su.AssertExpectations(t)

		room := newTestRoom(cs)
		room.dirty = true

		repo.On("SaveRoom", mock.Anything, mock.Anything).Return(errors.New("store down")).Once()

		done := make(chan string, 1)
		room.handleExit(exitReq{done: done})
		<-done
	})

	t.Run("closed room notifies members and detaches clients", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		c := newTestClient(cs, "u1", "alice")
		room.handleJoin(joinMessage(c, room.id, 1))
		<-c.send
		room.dirty = false

		done := make(chan string, 1)
		room.handleExit(exitReq{closed: true, done: done})
		<-done

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Notification, "expected notification message")
			assert.NotNil(t, msg.Notification.RoomClosed, "expected room closed notification")
			assert.Equal(t, room.id, msg.Notification.RoomClosed.RoomId)
		default:
			t.Error("expected room closed notification to be queued")
		}

		_, ok := c.getRoom(room.id)
		assert.False(t, ok, "expected client to be detached from the room")
	})

	t.Run("raced join is handed back to the server", func(t *testing.T) {
		cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(cs)

		racedJoin := &ClientMessage{Join: &Join{RoomId: room.id}}
		room.joinChan <- racedJoin

		done := make(chan string, 1)
		room.handleExit(exitReq{done: done})
		<-done

		select {
		case msg := <-cs.joinChan:
			assert.Equal(t, racedJoin, msg, "expected raced join to be re-queued on the server")
		case <-time.After(time.Second):
			t.Error("timeout: raced join was not handed back to the server")
		}
	})
}

func Test_room_addClient_removeClient(t *testing.T) {
	cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
	room := newTestRoom(cs)

	c := newTestClient(cs, "u1", "alice")
	room.addClient(c)
	assert.Contains(t, room.clients, c, "expected client in room clients")
	assert.Contains(t, room.userMap["u1"], c, "expected client in userMap")
	assert.Equal(t, 1, room.userClientCount("u1"))

	got, ok := c.getRoom(room.id)
	assert.True(t, ok, "expected client to be attached")
	assert.Equal(t, room, got)

	room.removeClient(c)
	assert.NotContains(t, room.clients, c, "expected client to be removed")
	assert.NotContains(t, room.userMap, "u1", "expected user entry to be removed with last client")
	assert.True(t, room.killTimer.Stop(), "expected kill timer to be armed once the room is empty")

	_, ok = c.getRoom(room.id)
	assert.False(t, ok, "expected client to be detached")
}

func Test_room_broadcast(t *testing.T) {
	cs := newTestCollabServer(t, &store.MockRepository{}, &stats.MockStatsUpdater{})
	room := newTestRoom(cs)

	c1 := newTestClient(cs, "u1", "alice")
	c2 := newTestClient(cs, "u2", "bob")
	room.addClient(c1)
	room.addClient(c2)

	t.Run("broadcast to all clients", func(t *testing.T) {
		msg := &ServerMessage{}
		room.broadcast(msg)

		for _, c := range []*Client{c1, c2} {
			select {
			case got := <-c.send:
				assert.Equal(t, msg, got, "expected %q to receive the message", c.user.Username)
			default:
				t.Errorf("expected %q to receive the message", c.user.Username)
			}
		}
	})

	t.Run("skip client is excluded", func(t *testing.T) {
		msg := &ServerMessage{SkipClient: c1}
		room.broadcast(msg)

		select {
		case <-c1.send:
			t.Error("expected skipped client to not receive the message")
		default:
		}

		select {
		case got := <-c2.send:
			assert.Equal(t, msg, got)
		default:
			t.Error("expected c2 to receive the message")
		}
	})

	t.Run("full send buffer does not abort delivery", func(t *testing.T) {
		blocked := &Client{user: types.User{Id: "u3", Username: "carol"}, send: make(chan *ServerMessage), log: cs.log}
		room.addClient(blocked)

		msg := &ServerMessage{}
		room.broadcast(msg)

		select {
		case got := <-c2.send:
			assert.Equal(t, msg, got, "expected delivery to continue past the blocked client")
		default:
			t.Error("expected c2 to receive the message despite a blocked peer")
		}

		// drain c1 for cleanliness
		<-c1.send
	})
}
