// Command udperf measures UDP throughput between a sender and a receiver.
package main

import (
	"os"

	"github.com/dantte-lp/udperf/cmd/udperf/commands"
)

func main() {
	os.Exit(commands.Execute())
}
