package relay

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/p2pgo/p2pgo_core/ticket"
)

const maxTicketBody = 4096

// Directory is the public ticket board a relay node serves over HTTP/3.
// Entries are not authenticated; a ticket only names where to dial, and
// the handshake there checks the advertised key.
type Directory struct {
	max     int
	limiter *rate.Limiter //publishes, all clients together
	mux     *http.ServeMux

	mtx     sync.Mutex
	tickets map[uuid.UUID]*ticket.Ticket
}

func NewDirectory(max int, publish_rate rate.Limit, burst int) *Directory {
	result := new(Directory)
	result.max = max
	result.limiter = rate.NewLimiter(publish_rate, burst)
	result.tickets = make(map[uuid.UUID]*ticket.Ticket)

	result.mux = http.NewServeMux()
	result.mux.HandleFunc("POST /tickets", result.publish)
	result.mux.HandleFunc("DELETE /tickets/{id}", result.withdraw)
	result.mux.HandleFunc("GET /tickets", result.list)
	return result
}

func (d *Directory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mux.ServeHTTP(w, r)
}

func (d *Directory) Len() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.tickets)
}

func (d *Directory) publish(w http.ResponseWriter, r *http.Request) {
	if !d.limiter.Allow() {
		http.Error(w, "slow down", http.StatusTooManyRequests)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTicketBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := ticket.Parse(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := t.Validate(time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.prune(time.Now())
	if _, ok := d.tickets[t.GameID]; !ok && len(d.tickets) >= d.max {
		http.Error(w, "directory full", http.StatusServiceUnavailable)
		return
	}
	d.tickets[t.GameID] = t
	w.WriteHeader(http.StatusNoContent)
}

func (d *Directory) withdraw(w http.ResponseWriter, r *http.Request) {
	game_id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.mtx.Lock()
	delete(d.tickets, game_id)
	d.mtx.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// list writes one ticket per line, soonest expiry first.
func (d *Directory) list(w http.ResponseWriter, r *http.Request) {
	d.mtx.Lock()
	d.prune(time.Now())
	open := make([]*ticket.Ticket, 0, len(d.tickets))
	for _, t := range d.tickets {
		open = append(open, t)
	}
	d.mtx.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].ExpiresAt < open[j].ExpiresAt })
	var sb strings.Builder
	for _, t := range open {
		sb.WriteString(t.String())
		sb.WriteByte('\n')
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, sb.String())
}

func (d *Directory) prune(now time.Time) {
	for id, t := range d.tickets {
		if t.Validate(now) != nil {
			delete(d.tickets, id)
		}
	}
}
