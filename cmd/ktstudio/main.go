// Package main is the single-binary entrypoint for ktstudio.
package main

import "github.com/ktstudio/ktstudio/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
