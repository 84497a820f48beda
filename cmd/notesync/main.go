package main

import (
	"os"

	"github.com/orchestra-mcp/notesync/cmd/notesync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
