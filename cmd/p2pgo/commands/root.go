package commands

import (
	"github.com/spf13/cobra"

	"github.com/p2pgo/p2pgo_core/config"
	"github.com/p2pgo/p2pgo_core/watchdog"
)

var (
	home string
	conf *config.Config

	listenPort    int
	relayAddr     string
	directoryURL  string
	multicastPort uint16
	logLevel      string
)

func Execute() error {
	return newRoot().Execute()
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "p2pgo",
		Short:         "Peer to peer Go, no server required",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				home = config.DefaultHome()
			}
			loaded, err := config.Load(home)
			if err != nil {
				return err
			}
			applyFlags(cmd, loaded)
			conf = loaded

			log_conf := conf.Log
			log_conf.Dir = conf.Path(log_conf.Dir)
			return watchdog.Init(log_conf)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&home, "home", "", "config dir (default ~/.p2pgo)")
	flags.IntVar(&listenPort, "listen", 0, "UDP port for direct connections")
	flags.StringVar(&relayAddr, "relay", "", "relay node host:port")
	flags.StringVar(&directoryURL, "directory", "", "ticket directory URL (e.g. https://relay.example.org:7443)")
	flags.Uint16Var(&multicastPort, "multicast-port", 0, "LAN announcement port, 0 disables")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		initCmd(),
		hostCmd(),
		joinCmd(),
		discoverCmd(),
		resumeCmd(),
		relayCmd(),
		gamesCmd(),
		sessionsCmd(),
	)
	return root
}

// applyFlags overrides file values with flags given on the command line.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		c.ListenPort = listenPort
	}
	if flags.Changed("relay") {
		c.Host.Relay = relayAddr
	}
	if flags.Changed("directory") {
		c.Discovery.Directory = directoryURL
	}
	if flags.Changed("multicast-port") {
		c.Discovery.MulticastPort = multicastPort
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
}
