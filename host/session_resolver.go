package host

import (
	"sync"

	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/channel"
)

// SessionResolver maps game ids to the live session playing them.
type SessionResolver struct {
	sessions map[uuid.UUID]*channel.Channel
	mtx      *sync.Mutex
}

func NewSessionResolver() *SessionResolver {
	return &SessionResolver{
		sessions: make(map[uuid.UUID]*channel.Channel),
		mtx:      new(sync.Mutex),
	}
}

// Set fails if another session already plays the game.
func (r *SessionResolver) Set(c *channel.Channel) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.sessions[c.GameID()]; ok {
		return false
	}
	r.sessions[c.GameID()] = c
	return true
}

// Delete removes c only if it is still the game's session.
func (r *SessionResolver) Delete(c *channel.Channel) {
	r.mtx.Lock()
	if r.sessions[c.GameID()] == c {
		delete(r.sessions, c.GameID())
	}
	r.mtx.Unlock()
}

func (r *SessionResolver) Lookup(game_id uuid.UUID) (*channel.Channel, bool) {
	r.mtx.Lock()
	res, ok := r.sessions[game_id]
	r.mtx.Unlock()

	return res, ok
}

func (r *SessionResolver) List() []*channel.Channel {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	result := make([]*channel.Channel, 0, len(r.sessions))
	for _, c := range r.sessions {
		result = append(result, c)
	}
	return result
}
