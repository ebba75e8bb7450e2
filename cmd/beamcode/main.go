// Package main provides the entry point for the beamcode broker.
package main

import (
	"github.com/beamcode/beamcode/cmd/beamcode/commands"
)

func main() {
	commands.Execute()
}
