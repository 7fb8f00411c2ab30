package main

import (
	"os"

	"github.com/go-elfcore/elfcore/cmd/elfcore/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
