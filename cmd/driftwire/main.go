package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

type options struct {
	Config    string   `short:"c" long:"config" description:"Path to JSON configuration file"`
	Listen    []string `long:"listen" description:"Multiaddrs to listen on"`
	Topic     string   `long:"topic" description:"Distribution swarm topic"`
	OutputDir string   `short:"o" long:"output" description:"Directory for received files" default:"."`
	LogLevel  string   `long:"loglevel" description:"Logging level for all subsystems" default:"info"`
	Bootstrap []string `long:"bootstrap" description:"Bootstrap peer multiaddrs"`
	Relay     []string `long:"relay" description:"Relay endpoints probed for distance estimation"`
}

var opts options

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("send",
		"Send a file to a peer",
		"Transfers a file to the given peer in checksummed chunks, printing progress until the transfer completes or fails.",
		&sendCommand{})
	parser.AddCommand("serve",
		"Run a receiving node",
		"Joins the swarm, announces availability, accepts inbound transfers and serves the monitoring dashboard until interrupted.",
		&serveCommand{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
