package main

import (
	"os"

	"github.com/zeke-tools/kscope/cmd/kscope/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
