package main

import (
	"os"

	"github.com/slatefs/slatefs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
