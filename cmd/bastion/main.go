// Command bastion runs the threat detection pipeline server and offers
// offline scanning, quarantine and emergency purge tooling.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}
