package main

import (
	"fmt"
	"os"

	"github.com/bhandras/chatsync/internal/cli"
	"github.com/bhandras/chatsync/pkg/logger"
)

func main() {
	err := cli.NewRootCommand().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
