package main

import (
	"os"

	"dreamrelay/internal/relayctl"
)

func main() { os.Exit(relayctl.Main()) }
