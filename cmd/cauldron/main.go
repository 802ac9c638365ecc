package main

import (
	"os"

	"github.com/whatevermarch/Cauldron/cmd/cauldron/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
