package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/catherinevee/remediator/cmd/remediator/commands"
)

func main() {
	if err := commands.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
