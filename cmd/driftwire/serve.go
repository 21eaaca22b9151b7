package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftwire/driftwire/pkg/discovery"
	"github.com/driftwire/driftwire/pkg/monitor"
)

type serveCommand struct {
	Dashboard    string        `long:"dashboard" description:"Bind address for the monitoring HTTP API" default:"127.0.0.1:8780"`
	NoDiscovery  bool          `long:"no-discovery" description:"Skip DHT and pubsub announcements"`
	ArchiveSweep time.Duration `long:"archive-sweep" description:"How long finished transfer records are kept" default:"1h"`
}

func (c *serveCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := newNode(ctx, cfg, opts.OutputDir)
	if err != nil {
		return err
	}
	defer n.close()

	n.engine.StartReceiver()

	if !c.NoDiscovery {
		disc, err := discovery.NewService(ctx, n.host, cfg)
		if err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		defer disc.Close()
	}

	dash, err := monitor.NewDashboard(n.bus, n.conns, cfg.EventHistory)
	if err != nil {
		return err
	}
	defer dash.Close()

	srv := monitor.NewServer(dash)
	go func() {
		if err := srv.ListenAndServe(c.Dashboard); err != nil {
			log.Errorw("dashboard server", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		ticker := time.NewTicker(c.ArchiveSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.engine.CleanupArchive(c.ArchiveSweep)
			}
		}
	}()

	fmt.Printf("node %s listening; dashboard on %s\n", n.host.ID(), c.Dashboard)
	for _, a := range n.host.Addrs() {
		fmt.Printf("  %s/p2p/%s\n", a, n.host.ID())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
	return nil
}
