package main

import (
	"fmt"
	"os"

	"jobmgr/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jobmgr:", err)
		os.Exit(1)
	}
}
