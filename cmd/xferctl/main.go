// Command xferctl reads and writes resources with the chunked transfer
// protocol and runs a reference server.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
