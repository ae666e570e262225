package lobby

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/quic-go/quic-go/http3"

	"github.com/p2pgo/p2pgo_core/net_service"
	"github.com/p2pgo/p2pgo_core/ticket"
)

// DirectoryBoard talks to the ticket directory a relay node serves:
//
//	POST   /tickets            body is the ticket text
//	DELETE /tickets/{game_id}
//	GET    /tickets            one ticket text per line
type DirectoryBoard struct {
	base   string
	client *http.Client
	poll   time.Duration
	logger *log.Logger
}

// NewHTTP3Client is the client the directory is normally reached with.
// Relay certificates are self-signed, like every endpoint certificate.
func NewHTTP3Client() (*http.Client, error) {
	base, err := net_service.NewDefaultTlsConf()
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http3.Transport{
			TLSClientConfig: net_service.ClientTlsConf(base, http3.NextProtoH3),
			QUICConfig:      net_service.NewDefaultQuicConf(),
		},
		Timeout: 10 * time.Second,
	}, nil
}

func NewDirectoryBoard(base_url string, client *http.Client, poll time.Duration, logger *log.Logger) *DirectoryBoard {
	result := new(DirectoryBoard)
	result.base = strings.TrimRight(base_url, "/")
	result.client = client
	result.poll = poll
	result.logger = logger
	return result
}

func (b *DirectoryBoard) do(ctx context.Context, method string, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("directory %s %s: %s", method, path, resp.Status)
	}
	return resp, nil
}

func (b *DirectoryBoard) Publish(ctx context.Context, t *ticket.Ticket) error {
	resp, err := b.do(ctx, http.MethodPost, "/tickets", strings.NewReader(t.String()))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (b *DirectoryBoard) Withdraw(ctx context.Context, game_id uuid.UUID) error {
	resp, err := b.do(ctx, http.MethodDelete, "/tickets/"+game_id.String(), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// List fetches the directory once.
func (b *DirectoryBoard) List(ctx context.Context) ([]*ticket.Ticket, error) {
	resp, err := b.do(ctx, http.MethodGet, "/tickets", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result []*ticket.Ticket
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, err := ticket.Parse(line)
		if err != nil {
			b.logger.Debug().Err(err).Msg("skipping malformed directory entry")
			continue
		}
		result = append(result, t)
	}
	return result, scanner.Err()
}

// Subscribe polls the directory until ctx is done.
func (b *DirectoryBoard) Subscribe(ctx context.Context) (<-chan *ticket.Ticket, error) {
	ch := make(chan *ticket.Ticket, 16)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(b.poll)
		defer ticker.Stop()
		for {
			tickets, err := b.List(ctx)
			if err != nil && ctx.Err() == nil {
				b.logger.Warn().Str("directory", b.base).Err(err).Msg("directory poll failed")
			}
			for _, t := range tickets {
				select {
				case ch <- t:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
