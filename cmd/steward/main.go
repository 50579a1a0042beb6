package main

import (
	"os"

	"github.com/stackworks/steward/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
