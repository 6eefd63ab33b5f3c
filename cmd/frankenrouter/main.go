package main

import (
	"os"

	"github.com/frankensim/frankenrouter/cmd/frankenrouter/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
