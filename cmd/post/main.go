// Command post runs the clipboard-sync daemon: load configuration, wire the
// identity/overlay/registry/transport/sync-engine pipeline, and block until
// an operator-issued signal asks it to stop.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/post-sync/post/internal/config"
	"github.com/post-sync/post/internal/coordinator"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(coordinator.ExitConfigError)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "post: config error: %v\n", err)
		return int(coordinator.ExitConfigError)
	}

	log.Printf("post %s starting, node_id=%q data_dir=%q", version, cfg.General.NodeID, cfg.DataDir)

	c, code, err := coordinator.New(cfg)
	if err != nil {
		log.Printf("post: startup failed: %v", err)
		return int(code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Printf("post: received shutdown signal")
		cancel()
	}()

	exitCode, err := c.Run(ctx)
	if err != nil {
		log.Printf("post: exited with error: %v", err)
		return int(exitCode)
	}
	return int(exitCode)
}
