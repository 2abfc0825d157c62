package main

import (
	"os"

	"github.com/wesleyorama2/volley/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteTarget(os.Args[1:], os.Stdout, os.Stderr))
}
