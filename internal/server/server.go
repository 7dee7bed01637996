package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/campuscode/coderoom/internal/stats"
	"github.com/campuscode/coderoom/internal/store"
	"github.com/campuscode/coderoom/internal/types"
)

const (
	statActiveConnections  = "ActiveConnections"
	statActiveRooms        = "ActiveRooms"
	statCodeChangesApplied = "CodeChangesApplied"
	statChatMessagesSent   = "ChatMessagesSent"
	statCheckpointFailures = "CheckpointFailures"
)

const loadRoomTimeout = 5 * time.Second

type unloadRoomRequest struct {
	roomId string
	closed bool
	done   chan string
}

// CollabServer owns the set of live rooms and connections. The rooms
// map is touched only from the Run loop, which serializes room
// creation and eviction against concurrent joins.
type CollabServer struct {
	log            *log.Logger
	repo           store.Repository
	stats          stats.StatsProvider
	flusher        *Flusher
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deregisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	sweepChan      chan struct{}
	rooms          map[string]*Room
	stop           chan struct{}
	done           chan struct{}
}

func NewCollabServer(logger *log.Logger, repo store.Repository, sp stats.StatsProvider) (*CollabServer, error) {
	cs := &CollabServer{
		log:            logger,
		repo:           repo,
		stats:          sp,
		flusher:        NewFlusher(logger, repo, sp),
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		unloadRoomChan: make(chan unloadRoomRequest, 16),
		sweepChan:      make(chan struct{}, 1),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, name := range []string{
		statActiveConnections,
		statActiveRooms,
		statCodeChangesApplied,
		statChatMessagesSent,
		statCheckpointFailures,
	} {
		sp.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *CollabServer) Run() {
	cs.flusher.Run()

	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
			cs.stats.Incr(statActiveConnections)
		case client := <-cs.deregisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
			cs.stats.Decr(statActiveConnections)
		case req := <-cs.unloadRoomChan:
			cs.handleUnload(req)
		case <-cs.sweepChan:
			cs.handleSweep()
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan string, 1)
				r.exit <- exitReq{done: done}
				<-done
			}

			cs.flusher.Stop()
			close(cs.done)
			return
		}
	}
}

func (cs *CollabServer) handleJoin(joinMsg *ClientMessage) {
	if room, ok := cs.rooms[joinMsg.Join.RoomId]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			cs.log.Printf("join channel full on room %q", room.id)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	// room is not live; load its record and bring it up
	ctx, cancel := context.WithTimeout(context.Background(), loadRoomTimeout)
	rec, err := cs.repo.LoadRoom(ctx, joinMsg.Join.RoomId)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			joinMsg.client.queueMessage(ErrRoomNotFound(joinMsg.Id))
		} else {
			cs.log.Printf("load room %q: %v", joinMsg.Join.RoomId, err)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	room := cs.newRoom(rec)
	cs.rooms[room.id] = room
	cs.stats.Incr(statActiveRooms)

	room.joinChan <- joinMsg
	go room.start()
}

// newRoom seeds a live room from its durable record. Every participant
// starts out inactive until their connection joins.
func (cs *CollabServer) newRoom(rec store.RoomRecord) *Room {
	view := rec.View()

	settings := view.Settings
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = 5
	}
	if settings.SaveInterval <= 0 {
		settings.SaveInterval = 30
	}

	room := &Room{
		id:            view.Id,
		title:         view.Title,
		description:   view.Description,
		problemId:     view.ProblemId,
		status:        view.Status,
		settings:      settings,
		createdAt:     view.CreatedAt,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		flushChan:     make(chan struct{}, 1),
		exit:          make(chan exitReq),
		code:          newCodeState(view.Code),
		chat:          view.Chat,
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		log:           cs.log,
	}

	for _, p := range view.Participants {
		room.participants = append(room.participants, &participant{
			user:     types.User{Id: p.UserId, Username: p.Username},
			role:     p.Role,
			joinedAt: p.JoinedAt,
			active:   false,
			lastSeen: Now(),
			cursor:   p.Cursor,
		})
	}

	return room
}

func (cs *CollabServer) handleUnload(req unloadRoomRequest) {
	r, ok := cs.rooms[req.roomId]
	if !ok {
		if req.done != nil {
			req.done <- req.roomId
		}
		return
	}

	// remove from the map first so a concurrent join reloads the room
	// instead of racing the eviction
	delete(cs.rooms, req.roomId)
	cs.stats.Decr(statActiveRooms)

	done := make(chan string, 1)
	r.exit <- exitReq{closed: req.closed, done: done}
	<-done

	if req.done != nil {
		req.done <- req.roomId
	}
}

// handleSweep pokes every live room to checkpoint itself and retries
// any flushes that failed since the last tick.
func (cs *CollabServer) handleSweep() {
	cs.flusher.RetryPending()

	for _, r := range cs.rooms {
		select {
		case r.flushChan <- struct{}{}:
		default:
		}
	}
}

// CheckpointAll schedules a checkpoint sweep across all live rooms. It
// is safe to call from a timer goroutine.
func (cs *CollabServer) CheckpointAll() {
	select {
	case cs.sweepChan <- struct{}{}:
	default:
		// a sweep is already pending
	}
}

// UnloadRoom evicts a live room, flushing it first. Used when a room is
// deleted through the API.
func (cs *CollabServer) UnloadRoom(ctx context.Context, roomId string, closed bool) error {
	done := make(chan string, 1)

	select {
	case cs.unloadRoomChan <- unloadRoomRequest{roomId: roomId, closed: closed, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *CollabServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *CollabServer) DeregisterClient(c *Client) {
	cs.deregisterChan <- c
}

func (cs *CollabServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *CollabServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

func (cs *CollabServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
