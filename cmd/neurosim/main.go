// Command neurosim serves the audio thread scheduler over HTTP and
// WebSocket, and carries a few offline helpers for checking assets.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "neurosim: %v\n", err)
		os.Exit(1)
	}
}
