package commands

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/p2pgo/p2pgo_core/config"
	"github.com/p2pgo/p2pgo_core/identity"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the identity key and a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(conf.Home, 0700); err != nil {
				return err
			}
			local, created, err := identity.LoadOrCreateLocalIdentity(conf.Path(conf.Identity))
			if err != nil {
				return err
			}
			if _, err := os.Stat(filepath.Join(conf.Home, config.FileName)); errors.Is(err, fs.ErrNotExist) {
				if err := conf.Save(); err != nil {
					return err
				}
				pterm.Info.Printfln("Wrote %s", filepath.Join(conf.Home, config.FileName))
			}

			if created {
				pterm.Success.Println("Identity created.")
			} else {
				pterm.Info.Println("Identity already exists.")
			}
			pterm.Printfln("ID: %s", pterm.LightCyan(local.IDHash()))
			return nil
		},
	}
}
