package main

import (
	"os"

	"cosmossdk.io/log"

	"github.com/openalpha/clob-dex/cmd/exchanged/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.NewLogger(os.Stderr).Error("exchanged exited", "err", err)
		os.Exit(cmd.ExitCode(err))
	}
}
