package main

import (
	"fmt"
	"os"

	"ironwatch.dev/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(cli.DefaultEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
