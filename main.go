package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sigscope/sigscope/cmd"
	"github.com/sigscope/sigscope/internal/errors"
)

func main() {
	root := cmd.RootCommand()
	err := root.ExecuteContext(context.Background())
	errors.FlushSentry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
