// Command repeatfsd mounts a RepeatFS overlay: a real backing directory
// re-exposed at a mount point with per-rule virtual derived files and
// process-IO provenance capture. Binding the kernel-facing filesystem
// protocol and daemonizing the process are out of scope; this binary
// wires configuration, logging, and the service object graph and hands
// off to whatever adapter embeds it.
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
