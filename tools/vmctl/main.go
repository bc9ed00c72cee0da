// Command vmctl builds x86-64 page tables inside a simulated physical memory
// arena and inspects the result.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

var debug = flag.Bool("debug", false, "log page table creation and every mapper operation")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&mapCmd{}, "")
	subcommands.Register(&translateCmd{}, "")
	subcommands.Register(&buddyCmd{}, "")

	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
