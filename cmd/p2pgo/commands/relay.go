package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/p2pgo/p2pgo_core/relay"
	"github.com/p2pgo/p2pgo_core/watchdog"
)

func relayCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay node with a ticket directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay_conf := conf.RelayServer
			if cmd.Flags().Changed("port") {
				relay_conf.ListenPort = port
			}
			server, err := relay.NewServer(relay_conf, watchdog.Component("relay"))
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Close()

			pterm.Success.Printfln("relaying on UDP port %d", server.Port())
			pterm.Info.Printfln("directory at https://<this host>:%d/tickets", server.Port())

			ctx, cancel := signalContext()
			defer cancel()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "UDP port (default from config)")
	return cmd
}
