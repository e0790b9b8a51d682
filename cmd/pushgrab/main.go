package main

import (
	"os"

	"github.com/m3rciful/pushgrab/core/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
