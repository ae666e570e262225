package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/p2pgo/p2pgo_core/archive"
	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/host"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/lobby"
	"github.com/p2pgo/p2pgo_core/rules"
	"github.com/p2pgo/p2pgo_core/watchdog"
)

// node is a running host with its stores and discovery boards.
type node struct {
	host    *host.Host
	sink    *archive.FileSink
	journal *archive.Journal

	cancel  context.CancelFunc
	done    chan error
	closers []func() error
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadIdentity() (*identity.LocalIdentity, error) {
	result, err := identity.LoadLocalIdentity(conf.Path(conf.Identity))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no identity at %s, run p2pgo init first", conf.Path(conf.Identity))
	}
	return result, err
}

func openStores() (*archive.FileSink, *archive.Journal, error) {
	sink, err := archive.NewFileSink(conf.Path(conf.ArchiveDir))
	if err != nil {
		return nil, nil, err
	}
	journal, err := archive.OpenJournal(conf.Path(conf.JournalPath))
	if err != nil {
		return nil, nil, err
	}
	return sink, journal, nil
}

func boards() ([]lobby.Board, []func() error, error) {
	var result []lobby.Board
	var closers []func() error

	if d := conf.Discovery; d.MulticastPort != 0 {
		mc, err := lobby.NewMulticastBoard(d.MulticastPort, d.MulticastInterval, watchdog.Component("multicast"))
		if err != nil {
			return nil, nil, err
		}
		result = append(result, mc)
		closers = append(closers, mc.Close)
	}
	if d := conf.Discovery; d.Directory != "" {
		client, err := lobby.NewHTTP3Client()
		if err != nil {
			return nil, nil, err
		}
		result = append(result, lobby.NewDirectoryBoard(d.Directory, client, d.DirectoryPoll, watchdog.Component("directory")))
	}
	return result, closers, nil
}

// startNode brings a host up and serves until ctx ends or stop is called.
func startNode(ctx context.Context) (*node, error) {
	local, err := loadIdentity()
	if err != nil {
		return nil, err
	}
	sink, journal, err := openStores()
	if err != nil {
		return nil, err
	}
	result := &node{
		sink:    sink,
		journal: journal,
		done:    make(chan error, 1),
		closers: []func() error{journal.Close},
	}

	bs, closers, err := boards()
	if err != nil {
		result.release()
		return nil, err
	}
	result.closers = append(result.closers, closers...)

	deps := channel.Deps{
		Local:     local,
		Validator: rules.Rules{},
		Scorer:    rules.AreaScorer{Komi: conf.Komi},
		Sink:      sink,
		Journal:   journal,
		Config:    conf.Channel,
		Logger:    watchdog.Component("channel"),
	}
	result.host, err = host.NewBetaHost(deps, conf.ListenPort, conf.Host, conf.Connections, bs...)
	if err != nil {
		result.release()
		return nil, err
	}
	result.closers = append(result.closers, result.host.Close)

	ctx, result.cancel = context.WithCancel(ctx)
	go func() { result.done <- result.host.ListenAndServe(ctx) }()
	return result, nil
}

// stop ends the host; sessions still in play are journaled.
func (n *node) stop() error {
	n.cancel()
	err := <-n.done
	n.release()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *node) release() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}
