package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/go-errors/errors"
	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"vmcore/kernel/mm"
)

// fail logs err together with its stack trace.
func fail(err error) subcommands.ExitStatus {
	fields := log.Fields{"error": err}
	if stacked, ok := err.(*errors.Error); ok {
		fields["stack"] = stacked.ErrorStack()
	}
	log.WithFields(fields).Error("vmctl failed")
	return subcommands.ExitFailure
}

// layoutFlag is shared by every command that builds a machine.
type layoutFlag struct {
	path string
}

func (l *layoutFlag) register(f *flag.FlagSet) {
	f.StringVar(&l.path, "config", "", "path to the TOML machine layout")
}

// build loads the layout and applies it to a fresh machine.
func (l *layoutFlag) build() (*machine, error) {
	cfg := defaultLayout
	if l.path != "" {
		loaded, err := loadLayout(l.path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	m, err := newMachine(&cfg, log.StandardLogger())
	if err != nil {
		return nil, err
	}

	if err := m.apply(&cfg); err != nil {
		_ = m.close()
		return nil, err
	}
	return m, nil
}

// mapCmd implements subcommands.Command for the "map" command.
type mapCmd struct {
	layoutFlag
}

// Name implements subcommands.Command.Name.
func (*mapCmd) Name() string { return "map" }

// Synopsis implements subcommands.Command.Synopsis.
func (*mapCmd) Synopsis() string { return "build page tables from a layout and print all mappings" }

// Usage implements subcommands.Command.Usage.
func (*mapCmd) Usage() string {
	return `map -config <layout.toml> - build page tables and print all mappings.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *mapCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

// Execute implements subcommands.Command.Execute.
func (c *mapCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	m, err := c.build()
	if err != nil {
		return fail(err)
	}
	defer m.close()

	printMappings(os.Stdout, m)
	return subcommands.ExitSuccess
}

func printMappings(out io.Writer, m *machine) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "VIRT\tPHYS\tSIZE\tFLAGS")
	for _, mapping := range m.mapper.Mappings() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mapping.Virt, mapping.Phys, mapping.Size, mapping.Flags)
	}
	w.Flush()

	fmt.Fprintf(out, "root table at %s, %d TLB entry flushes, %d root reloads\n", m.mapper.Root().Address(), m.flushes, m.reloads)
}

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct {
	layoutFlag
}

// Name implements subcommands.Command.Name.
func (*translateCmd) Name() string { return "translate" }

// Synopsis implements subcommands.Command.Synopsis.
func (*translateCmd) Synopsis() string { return "translate virtual addresses using the tables of a layout" }

// Usage implements subcommands.Command.Usage.
func (*translateCmd) Usage() string {
	return `translate -config <layout.toml> <addr>... - translate virtual addresses.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *translateCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

// Execute implements subcommands.Command.Execute.
func (c *translateCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, err := c.build()
	if err != nil {
		return fail(err)
	}
	defer m.close()

	if err := translate(os.Stdout, m, f.Args()); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

func translate(out io.Writer, m *machine, args []string) error {
	for _, arg := range args {
		value, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return errors.WrapPrefix(err, "parse address", 0)
		}

		addr, kerr := mm.NewVirtualAddr(value)
		if kerr != nil {
			return wrap(kerr, arg)
		}

		tr, kerr := m.mapper.TryTranslate(addr)
		if kerr != nil {
			fmt.Fprintf(out, "%s: %s\n", addr, kerr.Message)
			continue
		}
		fmt.Fprintf(out, "%s -> %s (%s page, %s)\n", addr, tr.Addr, tr.Size, tr.Flags)
	}
	return nil
}

// buddyCmd implements subcommands.Command for the "buddy" command.
type buddyCmd struct {
	layoutFlag
	bins bool
}

// Name implements subcommands.Command.Name.
func (*buddyCmd) Name() string { return "buddy" }

// Synopsis implements subcommands.Command.Synopsis.
func (*buddyCmd) Synopsis() string { return "print buddy allocator usage after applying a layout" }

// Usage implements subcommands.Command.Usage.
func (*buddyCmd) Usage() string {
	return `buddy [-bins] -config <layout.toml> - print physical memory usage.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *buddyCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.BoolVar(&c.bins, "bins", false, "print every block of each chunk")
}

// Execute implements subcommands.Command.Execute.
func (c *buddyCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	m, err := c.build()
	if err != nil {
		return fail(err)
	}
	defer m.close()

	printBuddies(os.Stdout, m, c.bins)
	return subcommands.ExitSuccess
}

func printBuddies(out io.Writer, m *machine, bins bool) {
	stats := m.frames.Stats()
	fmt.Fprintf(out, "%d chunks, %d allocations, %s of %s used, %d boot frames\n", stats.Chunks, stats.Allocations, stats.Used, stats.Total, m.boot.AllocCount())

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tALLOCATIONS\tUSED")
	for _, chunk := range m.frames.Chunks() {
		if chunk.Allocations == 0 && !bins {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", chunk.Base, chunk.Allocations, chunk.Used)

		if !bins {
			continue
		}
		for _, bin := range chunk.Bins {
			state := "free"
			if bin.IsUsed() {
				state = "used"
			}
			fmt.Fprintf(w, "\t[%d, %d)\t%s\n", bin.Start, bin.End, state)
		}
	}
	w.Flush()
}
