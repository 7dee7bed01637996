package server

import (
	"time"

	"github.com/campuscode/coderoom/internal/types"
)

// historyRetention bounds the number of buffer snapshots kept per room.
const historyRetention = 50

// codeState is the authoritative shared buffer of one room. It is only
// ever touched from the owning room's goroutine.
type codeState struct {
	content     string
	language    string
	version     int
	lastUpdated time.Time
	history     []types.CodeSnapshot
}

func newCodeState(cs types.CodeState) *codeState {
	state := &codeState{
		content:     cs.Content,
		language:    cs.Language,
		version:     cs.Version,
		lastUpdated: cs.LastUpdated,
	}
	if state.version < 1 {
		state.version = 1
	}

	if len(cs.History) > 0 {
		state.history = append(state.history, cs.History...)
		if len(state.history) > historyRetention {
			state.history = state.history[len(state.history)-historyRetention:]
		}
	}

	return state
}

// apply replaces the buffer with newContent under last-writer-wins
// semantics and returns the resulting version. No merge is attempted:
// concurrent edits arriving in the same window clobber each other in
// admission order.
func (c *codeState) apply(userId, newContent string, now time.Time) int {
	c.history = append(c.history, types.CodeSnapshot{
		Content:   newContent,
		UpdatedBy: userId,
		Timestamp: now,
	})
	if len(c.history) > historyRetention {
		c.history = c.history[1:]
	}

	c.content = newContent
	c.version++
	c.lastUpdated = now

	return c.version
}

func (c *codeState) view() types.CodeState {
	history := make([]types.CodeSnapshot, len(c.history))
	copy(history, c.history)

	return types.CodeState{
		Content:     c.content,
		Language:    c.language,
		Version:     c.version,
		LastUpdated: c.lastUpdated,
		History:     history,
	}
}
