package lobby

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"gopkg.in/tomb.v2"

	"github.com/p2pgo/p2pgo_core/ticket"
)

const multicastIpAddress = "239.0.0.1"

// MulticastBoard announces tickets on the local network. Every published
// ticket is re-sent each interval until withdrawn; announcements from
// this board itself are filtered out by a random key prefix.
type MulticastBoard struct {
	hub
	port     uint16
	interval time.Duration
	key      []byte
	logger   *log.Logger

	conn      *net.UDPConn
	send_conn *net.UDPConn

	tickets_mtx sync.Mutex
	tickets     map[uuid.UUID]*ticket.Ticket

	t tomb.Tomb
}

func NewMulticastBoard(port uint16, interval time.Duration, logger *log.Logger) (*MulticastBoard, error) {
	result := new(MulticastBoard)
	result.port = port
	result.interval = interval
	result.logger = logger
	result.tickets = make(map[uuid.UUID]*ticket.Ticket)

	key := make([]byte, 4)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	result.key = []byte(hex.EncodeToString(key))

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", multicastIpAddress, port))
	if err != nil {
		return nil, err
	}
	result.conn, err = net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	result.send_conn, err = net.DialUDP("udp4", nil, addr)
	if err != nil {
		result.conn.Close()
		return nil, err
	}

	result.t.Go(result.listen)
	result.t.Go(result.announce)
	return result, nil
}

func (b *MulticastBoard) Close() error {
	b.t.Kill(nil)
	err := errors.Join(b.conn.Close(), b.send_conn.Close())
	b.t.Wait()
	b.closeAll()
	return err
}

func (b *MulticastBoard) Publish(ctx context.Context, t *ticket.Ticket) error {
	b.tickets_mtx.Lock()
	b.tickets[t.GameID] = t
	b.tickets_mtx.Unlock()
	return b.send(t)
}

func (b *MulticastBoard) Withdraw(ctx context.Context, game_id uuid.UUID) error {
	b.tickets_mtx.Lock()
	delete(b.tickets, game_id)
	b.tickets_mtx.Unlock()
	return nil
}

func (b *MulticastBoard) Subscribe(ctx context.Context) (<-chan *ticket.Ticket, error) {
	return b.subscribe(ctx, nil), nil
}

func (b *MulticastBoard) send(t *ticket.Ticket) error {
	_, err := b.send_conn.Write(append(append([]byte(nil), b.key...), t.String()...))
	return err
}

func (b *MulticastBoard) listen() error {
	buffer := make([]byte, 2048)
	for {
		n, _, err := b.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		message := buffer[:n]
		if len(message) <= len(b.key) || bytes.Equal(message[:len(b.key)], b.key) {
			continue
		}
		t, err := ticket.Parse(string(message[len(b.key):]))
		if err != nil {
			b.logger.Debug().Err(err).Msg("ignoring malformed announcement")
			continue
		}
		b.fanout(t)
	}
}

func (b *MulticastBoard) announce() error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.t.Dying():
			return nil
		case <-ticker.C:
		}

		b.tickets_mtx.Lock()
		open := make([]*ticket.Ticket, 0, len(b.tickets))
		for _, t := range b.tickets {
			open = append(open, t)
		}
		b.tickets_mtx.Unlock()

		for _, t := range open {
			if err := b.send(t); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				b.logger.Warn().Err(err).Msg("multicast announcement failed")
			}
		}
	}
}
