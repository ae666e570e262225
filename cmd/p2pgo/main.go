package main

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/p2pgo/p2pgo_core/cmd/p2pgo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
