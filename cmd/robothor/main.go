package main

import (
	"fmt"
	"os"

	"github.com/ironsail-llc/robothor/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
