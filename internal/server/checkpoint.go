package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/campuscode/coderoom/internal/stats"
	"github.com/campuscode/coderoom/internal/store"
	"github.com/campuscode/coderoom/internal/types"
)

const (
	flushQueueSize = 64
	flushTimeout   = 10 * time.Second
)

// Flusher writes room snapshots to the document store off the fan-out
// path. A failed write is kept aside and retried on the next checkpoint
// sweep; it is never surfaced to live sessions.
type Flusher struct {
	log         *log.Logger
	repo        store.Repository
	stats       stats.StatsProvider
	flushChan   chan types.RoomView
	pending     map[string]types.RoomView
	pendingLock sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

func NewFlusher(logger *log.Logger, repo store.Repository, sp stats.StatsProvider) *Flusher {
	return &Flusher{
		log:       logger,
		repo:      repo,
		stats:     sp,
		flushChan: make(chan types.RoomView, flushQueueSize),
		pending:   make(map[string]types.RoomView),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (f *Flusher) Run() {
	go func() {
		defer close(f.done)
		for {
			select {
			case view := <-f.flushChan:
				f.save(view)
			case <-f.stop:
				// drain whatever is still queued before exiting
				for {
					select {
					case view := <-f.flushChan:
						f.save(view)
					default:
						return
					}
				}
			}
		}
	}()
}

func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

// Enqueue hands a snapshot to the flush worker without blocking the
// caller. It reports false when the queue is full; the room stays dirty
// and tries again on its next tick.
func (f *Flusher) Enqueue(view types.RoomView) bool {
	select {
	case f.flushChan <- view:
		return true
	default:
		return false
	}
}

// RetryPending re-queues snapshots whose last write failed. A newer
// snapshot of the same room replaces the failed one.
func (f *Flusher) RetryPending() {
	f.pendingLock.Lock()
	views := make([]types.RoomView, 0, len(f.pending))
	for _, view := range f.pending {
		views = append(views, view)
	}
	f.pendingLock.Unlock()

	for _, view := range views {
		if !f.Enqueue(view) {
			return
		}
	}
}

func (f *Flusher) save(view types.RoomView) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := f.repo.SaveRoom(ctx, store.RecordFromView(view)); err != nil {
		f.log.Printf("flush room %q: %v", view.Id, err)
		f.stats.Incr(statCheckpointFailures)

		f.pendingLock.Lock()
		f.pending[view.Id] = view
		f.pendingLock.Unlock()
		return
	}

	f.pendingLock.Lock()
	delete(f.pending, view.Id)
	f.pendingLock.Unlock()
}
