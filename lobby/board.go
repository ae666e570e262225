package lobby

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/ticket"
)

// Board is one place where open games are published and discovered.
type Board interface {
	Publish(ctx context.Context, t *ticket.Ticket) error
	Withdraw(ctx context.Context, game_id uuid.UUID) error
	// Subscribe streams tickets until ctx is done. The stream may repeat
	// tickets and may contain expired ones.
	Subscribe(ctx context.Context) (<-chan *ticket.Ticket, error)
}

// hub fans tickets out to subscribers. A subscriber that falls behind
// misses tickets rather than blocking the publisher.
type hub struct {
	mtx  sync.Mutex
	subs map[int]chan *ticket.Ticket
	next int
}

func (h *hub) subscribe(ctx context.Context, initial []*ticket.Ticket) <-chan *ticket.Ticket {
	ch := make(chan *ticket.Ticket, len(initial)+16)
	for _, t := range initial {
		ch <- t
	}

	h.mtx.Lock()
	if h.subs == nil {
		h.subs = make(map[int]chan *ticket.Ticket)
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mtx.Unlock()

	go func() {
		<-ctx.Done()
		h.mtx.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mtx.Unlock()
	}()
	return ch
}

func (h *hub) fanout(t *ticket.Ticket) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// MemoryBoard is an in-process board, shared by every lobby that holds it.
type MemoryBoard struct {
	hub
	tickets_mtx sync.Mutex
	tickets     map[uuid.UUID]*ticket.Ticket
}

func NewMemoryBoard() *MemoryBoard {
	result := new(MemoryBoard)
	result.tickets = make(map[uuid.UUID]*ticket.Ticket)
	return result
}

func (b *MemoryBoard) Publish(ctx context.Context, t *ticket.Ticket) error {
	b.tickets_mtx.Lock()
	b.tickets[t.GameID] = t
	b.tickets_mtx.Unlock()
	b.fanout(t)
	return nil
}

func (b *MemoryBoard) Withdraw(ctx context.Context, game_id uuid.UUID) error {
	b.tickets_mtx.Lock()
	delete(b.tickets, game_id)
	b.tickets_mtx.Unlock()
	return nil
}

func (b *MemoryBoard) Subscribe(ctx context.Context) (<-chan *ticket.Ticket, error) {
	b.tickets_mtx.Lock()
	initial := make([]*ticket.Ticket, 0, len(b.tickets))
	for _, t := range b.tickets {
		initial = append(initial, t)
	}
	b.tickets_mtx.Unlock()
	return b.subscribe(ctx, initial), nil
}
