// Package main запускает кассу zipos.
package main

import (
	"os"

	"github.com/mmeshcher/zipos-register/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
