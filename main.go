package main

import (
	"os"

	"github.com/classwatch/classwatch/cmd"
	"github.com/classwatch/classwatch/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = "dev"
	buildDate string
)

func main() {
	if err := cmd.RootCommand(buildinfo.NewContext(version, buildDate)).Execute(); err != nil {
		os.Exit(1)
	}
}
