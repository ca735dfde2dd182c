// Command devd runs one block-cache server instance: a blockcache.Cache
// bound to a local direct-I/O transport and/or a network transport talking
// to other devd instances.
package main

import (
	"fmt"
	"os"

	"github.com/ngnfs/corefs/cmd/devd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
