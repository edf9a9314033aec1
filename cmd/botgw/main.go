// Package main is the entry point for the botgw CLI.
package main

import (
	"os"

	"github.com/HengWoo/enterprise-bots-sub003/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
