// Package main provides the entry point for the xtal-refine command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"xtal-refine/cmd"
	"xtal-refine/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.RootCommand(app.NewContext())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
