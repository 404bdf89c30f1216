package main

import (
	"github.com/awnumar/memguard"
	"southwinds.dev/atrest/cli/cmd"
)

func main() {
	// wipe enclaves on SIGINT/SIGTERM
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}
