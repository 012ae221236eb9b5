package main

import (
	"os"

	"github.com/promptwall/promptwall/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
