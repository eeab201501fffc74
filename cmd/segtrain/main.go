package main

import (
	"os"

	"github.com/domainshift/segtrain/cmd/segtrain/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
