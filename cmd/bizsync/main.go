// Command bizsync runs the sync agent, the document server and a few
// maintenance commands over the local replica.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
