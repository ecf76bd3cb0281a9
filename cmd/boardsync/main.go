package main

import (
	"os"

	"github.com/hashicorp-forge/boardsync/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
