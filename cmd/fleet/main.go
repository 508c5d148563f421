package main

import (
	"os"

	"github.com/ChuLiYu/agentfleet/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
