package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/ptyhost/cli"
	"github.com/grovetools/ptyhost/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
		cli.NewErrorHandler(verbose).Handle(err)
		os.Exit(1)
	}
}
