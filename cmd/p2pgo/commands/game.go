package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/ticket"
)

const maxBoardSize = len(columns)

func hostCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Advertise a new game and play it with whoever joins",
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 2 || size > maxBoardSize {
				return fmt.Errorf("board size must be between 2 and %d", maxBoardSize)
			}
			ctx, cancel := signalContext()
			defer cancel()
			n, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer n.stop()

			t, err := n.host.Advertise(ctx, size)
			if err != nil {
				return err
			}
			pterm.DefaultBox.WithTitle(pterm.LightYellow("|TICKET|")).WithTitleTopCenter().
				Println(t.String())
			pterm.Info.Printfln("%dx%d game %s, valid until %s", size, size, t.GameID, t.Expiry().Format(time.Kitchen))

			spinner, _ := pterm.DefaultSpinner.Start("Waiting for an opponent ...")
			select {
			case c := <-n.host.Sessions():
				spinner.Success("Opponent joined")
				return play(ctx, c)
			case <-ctx.Done():
				spinner.Stop()
				return nil
			}
		},
	}
	cmd.Flags().IntVar(&size, "size", 19, "board size")
	return cmd
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <ticket>",
		Short: "Join the game a ticket points to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ticket.Parse(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			n, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer n.stop()
			return joinAndPlay(ctx, n, t)
		},
	}
}

func joinAndPlay(ctx context.Context, n *node, t *ticket.Ticket) error {
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %s ...", t.IDHash()))
	c, err := n.host.Join(ctx, t)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success("Connected")
	return play(ctx, c)
}

func discoverCmd() *cobra.Command {
	var wait time.Duration
	var join bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List games advertised on the LAN and the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conf.Discovery.MulticastPort == 0 && conf.Discovery.Directory == "" {
				return fmt.Errorf("no discovery configured, set --multicast-port or --directory")
			}
			ctx, cancel := signalContext()
			defer cancel()
			n, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer n.stop()

			found := collect(ctx, n.host.Discover(ctx), wait)
			if len(found) == 0 {
				pterm.Info.Println("no games found")
				return nil
			}
			renderTickets(found)
			if !join {
				return nil
			}

			options := make([]string, len(found))
			for i, t := range found {
				options[i] = fmt.Sprintf("%d: %dx%d %s", i, t.BoardSize, t.BoardSize, t.GameID)
			}
			selected, err := pterm.DefaultInteractiveSelect.WithDefaultText("Select a game").WithOptions(options).Show()
			if err != nil {
				return err
			}
			var i int
			if _, err := fmt.Sscanf(selected, "%d:", &i); err != nil {
				return err
			}
			return joinAndPlay(ctx, n, found[i])
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to listen")
	cmd.Flags().BoolVar(&join, "join", false, "pick a game and join it")
	return cmd
}

func collect(ctx context.Context, in <-chan *ticket.Ticket, wait time.Duration) []*ticket.Ticket {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	var result []*ticket.Ticket
	for {
		select {
		case t, ok := <-in:
			if !ok {
				return result
			}
			result = append(result, t)
		case <-timer.C:
			return result
		case <-ctx.Done():
			return result
		}
	}
}

func renderTickets(tickets []*ticket.Ticket) {
	data := pterm.TableData{{"#", "game", "size", "host", "relay", "expires"}}
	for i, t := range tickets {
		relay := "no"
		if t.HasRelay() {
			relay = "yes"
		}
		data = append(data, []string{
			fmt.Sprint(i),
			t.GameID.String(),
			fmt.Sprintf("%dx%d", t.BoardSize, t.BoardSize),
			t.IDHash(),
			relay,
			t.Expiry().Format(time.Kitchen),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	for i, t := range tickets {
		pterm.Printfln("%d: %s", i, t.String())
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reopen journaled games and wait for or reach the peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			n, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer n.stop()

			restored, err := n.host.Resume(ctx)
			if err != nil {
				pterm.Warning.Println(err)
			}
			switch len(restored) {
			case 0:
				pterm.Info.Println("nothing to resume")
				return nil
			case 1:
				return play(ctx, restored[0])
			}

			options := make([]string, len(restored))
			byOption := make(map[string]*channel.Channel, len(restored))
			for i, c := range restored {
				options[i] = c.GameID().String()
				byOption[options[i]] = c
			}
			selected, err := pterm.DefaultInteractiveSelect.WithDefaultText("Select a game to play").WithOptions(options).Show()
			if err != nil {
				return err
			}
			return play(ctx, byOption[selected])
		},
	}
}
