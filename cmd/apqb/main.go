package main

import (
	"os"

	"github.com/fedqueue/apqb/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
