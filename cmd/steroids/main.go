// Package main provides the entry point for the steroids CLI.
package main

import (
	"os"

	"github.com/steroids-dev/steroids/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
