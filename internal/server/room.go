package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/campuscode/coderoom/internal/store"
	"github.com/campuscode/coderoom/internal/types"
)

const (
	// idleRoomTimeout is the grace period before an empty room is
	// unloaded from memory.
	idleRoomTimeout = 30 * time.Second
	// chatLogRetention bounds the in-memory chat log per room.
	chatLogRetention = 200
	// inactiveRetention is how long a disconnected participant's record
	// is kept for reconnect before the housekeeping sweep drops it.
	inactiveRetention = 15 * time.Minute

	exitFlushTimeout = 5 * time.Second
)

type exitReq struct {
	// closed means the room was deleted via the API and members must be
	// told, not just unloaded for idleness.
	closed bool
	done   chan string
}

// participant is one membership record. Owned by the room goroutine.
type participant struct {
	user     types.User
	role     types.Role
	joinedAt time.Time
	active   bool
	lastSeen time.Time
	cursor   types.Cursor
}

type Room struct {
	id          string
	title       string
	description string
	problemId   string
	status      types.RoomStatus
	settings    types.RoomSettings
	createdAt   time.Time

	cs *CollabServer

	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	// flushChan is poked by the checkpoint sweep; the room snapshots
	// itself and runs housekeeping on its own goroutine.
	flushChan chan struct{}
	exit      chan exitReq

	code *codeState
	// participants keeps insertion order; inactive records stay until
	// the retention sweep drops them.
	participants []*participant
	chat         []types.ChatMessage
	// dirty is set whenever durable room state changed since the last
	// checkpoint enqueue.
	dirty bool

	clients    map[*Client]struct{}
	userMap    map[string]map[*Client]struct{}
	clientLock sync.RWMutex

	log       *log.Logger
	killTimer *time.Timer
}

// start runs the room goroutine. All mutation of the room's code
// buffer, membership and chat log happens here, which linearizes events
// per room while unrelated rooms proceed in parallel.
func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	var saveTick <-chan time.Time
	if r.settings.AutoSave {
		ticker := time.NewTicker(time.Duration(r.settings.SaveInterval) * time.Second)
		defer ticker.Stop()
		saveTick = ticker.C
	}

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Code != nil:
				r.handleCodeChange(msg)
			case msg.Chat != nil:
				r.handleChat(msg)
			case msg.Cursor != nil:
				r.handleCursor(msg)
			}
		case <-saveTick:
			r.checkpoint()
		case <-r.flushChan:
			r.checkpoint()
			r.pruneInactive()
		case <-r.killTimer.C:
			r.handleIdleTimeout()
		case e := <-r.exit:
			r.handleExit(e)
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	p := r.findParticipant(join.GetUserId())
	if p == nil {
		// only active participants count against the cap
		if r.activeCount() >= r.settings.MaxParticipants {
			c.queueMessage(ErrRoomFull(join.Id))
			if r.clientCount() == 0 {
				r.killTimer.Reset(idleRoomTimeout)
			}
			return
		}

		role := types.RoleParticipant
		if len(r.participants) == 0 {
			role = types.RoleHost
		}
		p = &participant{
			user:     c.user,
			role:     role,
			joinedAt: Now(),
		}
		r.participants = append(r.participants, p)
		r.log.Printf("user %q joined room %q as %s", c.user.Username, r.id, p.role)
	} else {
		r.log.Printf("user %q rejoined room %q", c.user.Username, r.id)
	}

	p.active = true
	p.lastSeen = Now()
	r.dirty = true

	r.addClient(c)

	// send the full room state to the joining client
	c.queueMessage(NoErrOK(join.Id, r.view()))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &Presence{
				RoomId: r.id,
				UserId: p.user.Id,
				Active: true,
				Cursor: &types.Cursor{Line: p.cursor.Line, Column: p.cursor.Column},
			},
		},
		SkipClient: c,
	})
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	r.removeClient(c)

	p := r.findParticipant(leaveMsg.GetUserId())
	if p == nil {
		return
	}

	if leaveMsg.Id != 0 {
		// explicit leave request, acknowledge it
		c.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	// mark inactive only once the user's last connection is gone
	if r.userClientCount(p.user.Id) > 0 {
		return
	}

	p.active = false
	p.lastSeen = Now()
	r.dirty = true

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &Presence{
				RoomId: r.id,
				UserId: p.user.Id,
				Active: false,
			},
		},
		SkipClient: c,
	})
}

// handleCodeChange applies an incoming edit to the shared buffer and
// fans the result out to every other active member.
func (r *Room) handleCodeChange(msg *ClientMessage) {
	p := r.findParticipant(msg.GetUserId())
	if p == nil || !p.active {
		msg.client.queueMessage(ErrNotAMember(msg.Id))
		return
	}

	version := r.code.apply(p.user.Id, msg.Code.Content, msg.Timestamp)
	if msg.Code.Language != "" {
		r.code.language = msg.Code.Language
	}
	p.lastSeen = msg.Timestamp
	r.dirty = true
	r.cs.stats.Incr(statCodeChangesApplied)

	msg.client.queueMessage(NoErrAccepted(msg.Id))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: msg.Timestamp},
		CodeUpdate: &CodeUpdate{
			RoomId:    r.id,
			Content:   msg.Code.Content,
			Version:   version,
			UpdatedBy: p.user.Id,
		},
		SkipClient: msg.client,
	})
}

func (r *Room) handleChat(msg *ClientMessage) {
	p := r.findParticipant(msg.GetUserId())
	if p == nil || !p.active {
		msg.client.queueMessage(ErrNotAMember(msg.Id))
		return
	}

	kind := msg.Chat.Kind
	if kind == "" {
		kind = types.MessageText
	}

	chatMsg := types.ChatMessage{
		RoomId:    r.id,
		UserId:    p.user.Id,
		Username:  p.user.Username,
		Content:   msg.Chat.Content,
		Kind:      kind,
		Timestamp: msg.Timestamp,
	}

	r.chat = append(r.chat, chatMsg)
	if len(r.chat) > chatLogRetention {
		r.chat = r.chat[1:]
	}
	p.lastSeen = msg.Timestamp
	r.dirty = true
	r.cs.stats.Incr(statChatMessagesSent)

	// chat goes to the sender too, for round-trip visibility
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id, Timestamp: msg.Timestamp},
		Chat:        &chatMsg,
	})
}

// handleCursor updates the participant's advisory cursor. Cursor moves
// are broadcast but never flagged for persistence.
func (r *Room) handleCursor(msg *ClientMessage) {
	p := r.findParticipant(msg.GetUserId())
	if p == nil || !p.active {
		msg.client.queueMessage(ErrNotAMember(msg.Id))
		return
	}

	p.cursor = types.Cursor{Line: msg.Cursor.Line, Column: msg.Cursor.Column}
	p.lastSeen = msg.Timestamp

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: msg.Timestamp},
		Notification: &Notification{
			Presence: &Presence{
				RoomId: r.id,
				UserId: p.user.Id,
				Active: true,
				Cursor: &types.Cursor{Line: p.cursor.Line, Column: p.cursor.Column},
			},
		},
	})
}

// checkpoint hands a snapshot to the flusher. The actual store write
// happens off this goroutine so fan-out is never blocked on I/O.
func (r *Room) checkpoint() {
	if !r.dirty {
		return
	}

	if r.cs.flusher.Enqueue(r.view()) {
		r.dirty = false
	} else {
		r.log.Printf("flusher queue full, room %q stays dirty", r.id)
	}
}

// pruneInactive drops participant records whose user has been gone
// longer than the retention window.
func (r *Room) pruneInactive() {
	cutoff := Now().Add(-inactiveRetention)
	kept := r.participants[:0]
	for _, p := range r.participants {
		if !p.active && p.lastSeen.Before(cutoff) {
			r.log.Printf("pruning inactive participant %q from room %q", p.user.Username, r.id)
			r.dirty = true
			continue
		}
		kept = append(kept, p)
	}
	r.participants = kept
}

func (r *Room) handleIdleTimeout() {
	r.log.Printf("room %q timed out", r.id)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.id}:
	default:
		r.log.Printf("unload channel full, retrying room %q later", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.id)

	// final checkpoint before eviction; this goroutine is off the
	// fan-out path, so a synchronous write is fine here
	if r.dirty {
		ctx, cancel := context.WithTimeout(context.Background(), exitFlushTimeout)
		if err := r.cs.repo.SaveRoom(ctx, store.RecordFromView(r.view())); err != nil {
			r.log.Printf("final flush of room %q: %v", r.id, err)
			r.cs.stats.Incr(statCheckpointFailures)
		}
		cancel()
	}

	if e.closed {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				RoomClosed: &RoomClosed{RoomId: r.id},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.detachRoom(r.id)
	}
	r.clientLock.Unlock()

	// a join may have raced into our channel while the unload was in
	// flight; hand it back to the server so the room is reloaded
	for {
		select {
		case join := <-r.joinChan:
			go func(j *ClientMessage) { r.cs.joinChan <- j }(join)
		default:
			if e.done != nil {
				e.done <- r.id
			}
			return
		}
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.attachRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.detachRoom(r.id)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	r.log.Printf("removed client %q from room %q", c.user.Username, r.id)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) userClientCount(userId string) int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.userMap[userId])
}

func (r *Room) findParticipant(userId string) *participant {
	for _, p := range r.participants {
		if p.user.Id == userId {
			return p
		}
	}

	return nil
}

func (r *Room) activeCount() int {
	var n int
	for _, p := range r.participants {
		if p.active {
			n++
		}
	}

	return n
}

// view builds a read-only copy of the room for join responses and
// checkpoint flushes.
func (r *Room) view() types.RoomView {
	participants := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, types.Participant{
			UserId:   p.user.Id,
			Username: p.user.Username,
			Role:     p.role,
			JoinedAt: p.joinedAt,
			Active:   p.active,
			Cursor:   p.cursor,
		})
	}

	chat := make([]types.ChatMessage, len(r.chat))
	copy(chat, r.chat)

	return types.RoomView{
		Id:           r.id,
		Title:        r.title,
		Description:  r.description,
		ProblemId:    r.problemId,
		Status:       r.status,
		Participants: participants,
		Code:         r.code.view(),
		Chat:         chat,
		Settings:     r.settings,
		CreatedAt:    r.createdAt,
	}
}

// broadcast fans a message out to the room's clients. Delivery is
// best-effort per connection: a full send buffer is logged and skipped,
// never retried, and never aborts delivery to the rest.
func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		if !client.queueMessage(msg) {
			r.log.Printf("dropped message for %q in room %q", client.user.Username, r.id)
		}
	}
}
