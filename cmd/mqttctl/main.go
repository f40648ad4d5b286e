// Package main is the entry point for the mqttctl CLI.
//
// Usage:
//
//	mqttctl [flags] <command> [args]
//
// Commands:
//
//	pub - Publish a message to a broker
//	sub - Subscribe to topic filters and print messages
package main

import (
	"fmt"
	"os"

	"github.com/fenwick-iot/mqtt0/cmd/mqttctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
