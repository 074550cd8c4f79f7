package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.New(cli.Deps{}).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
