package main

import (
	"fmt"
	"os"
)

// 构建时通过 ldflags 注入
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := newApp()
	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
