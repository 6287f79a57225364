// Command paramtune runs batches of derivative-free optimization jobs
// described in a YAML file.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
