// Package main is the entry point for the mediabuf application.
package main

import (
	"os"

	"github.com/jmylchreest/mediabuf/cmd/mediabuf/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
