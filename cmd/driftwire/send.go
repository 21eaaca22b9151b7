package main

import (
	"context"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/driftwire/driftwire/pkg/types"
)

type sendCommand struct {
	File      string `short:"f" long:"file" description:"Path of the file to send" required:"true"`
	Peer      string `short:"p" long:"peer" description:"Target peer multiaddr (must include /p2p/<id>)" required:"true"`
	ChunkSize int    `long:"chunk-size" description:"Chunk size in bytes (0 picks a default)"`
}

func (c *sendCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	target, err := peer.AddrInfoFromString(c.Peer)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", c.Peer, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := newNode(ctx, cfg, opts.OutputDir)
	if err != nil {
		return err
	}
	defer n.close()

	// Subscribe before starting so no event can slip past
	events := n.bus.AddListener(cfg.EventHistory)
	defer events.Close()

	id, err := n.engine.SendFile(c.File, *target, c.ChunkSize)
	if err != nil {
		return err
	}
	fmt.Printf("transfer %s started\n", id)

	for evt := range events.C() {
		switch e := evt.(type) {
		case types.ProgressUpdate:
			if e.TransferID == id {
				fmt.Printf("\r%6.2f%%  %d B/s", e.Progress, e.SpeedBps)
			}
		case types.TransferCompleted:
			if e.TransferID == id {
				fmt.Printf("\ntransfer complete: %d bytes in %.2fs\n", e.FileSize, e.DurationSecs)
				return nil
			}
		case types.TransferFailed:
			if e.TransferID == id {
				fmt.Fprintf(os.Stderr, "\ntransfer failed: %s\n", e.Error)
				return fmt.Errorf("transfer failed: %s", e.Error)
			}
		}
	}
	return fmt.Errorf("event stream closed before transfer finished")
}
