package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mapfree/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(nil, nil)
	defer root.Close()

	if err := cli.NewRootCmd(root).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
