package main

import (
	"os"

	"github.com/R21Digital/Project-MorningStar-sub014/cmd/ms11/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
