// Package main is the entry point for the canlens CAN bus tool.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/canlens/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
