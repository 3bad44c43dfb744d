// Package main implements the scry-queue server binary. It serves the batch
// job and task API, runs queue workers and the batch scheduler, and applies
// database migrations.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
