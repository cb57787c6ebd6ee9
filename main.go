package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
