package main

import (
	"os"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		cli.RenderError(os.Stderr, format, err)
		os.Exit(cli.GetExitCode(err))
	}
}
