package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/nostreward/internal/cli"
)

func main() {
	cmd := cli.NewRootCmd(cli.DefaultEnv())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
