// Package main provides the entry point for the kiln server.
package main

import (
	"fmt"
	"os"

	"github.com/kiln-ai/kiln/cmd/kiln/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
