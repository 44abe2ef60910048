package main

import (
	"os"

	"github.com/ambiyansyah-risyal/esi/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
