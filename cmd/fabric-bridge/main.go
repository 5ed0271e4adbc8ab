// Package main is the entry point for the fabric-bridge native messaging
// host.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fabric-bridge: %v\n", err)
		os.Exit(1)
	}
}
