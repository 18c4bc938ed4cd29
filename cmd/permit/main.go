package main

import (
	"os"

	"github.com/MEKXH/permit/cmd/permit/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
