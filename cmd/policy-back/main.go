package main

import (
	"os"

	"github.com/bob-yamong/policy-back/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
