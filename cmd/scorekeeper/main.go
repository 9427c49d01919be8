package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/scorekeeper/app/scorekeeper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := scorekeeper.Initialize(ctx)
	app.Start(ctx)
}
