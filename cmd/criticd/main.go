// Command criticd runs the difference engine's job scheduler: it polls a
// Postgres database for incomplete changesets and drives each one through
// structure, content and syntax-highlight analysis against a directory of
// on-disk git repositories, grounded on the teacher's cobra/pflag-based
// cmd/hercules entry point (root.go).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
