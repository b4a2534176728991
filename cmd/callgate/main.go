package main

// ============================================================================
// callgate entry point
// All command logic lives in internal/cli.
//
//   go run ./cmd/callgate run -c configs/callgate.yaml
//   go build -ldflags "-X main.version=1.2.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/callgate
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/callgate/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
