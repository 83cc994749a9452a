package main

import (
	"log/slog"
	"os"

	"github.com/roach88/leafsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(cli.GetExitCode(err))
	}
}
