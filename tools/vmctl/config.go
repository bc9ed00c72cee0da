package main

import (
	"math"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-errors/errors"

	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"
)

// layout describes a simulated machine and the mappings that should be
// installed in its page tables.
type layout struct {
	// ArenaSize is the amount of simulated physical memory.
	ArenaSize string `toml:"arena_size"`

	// Granule is the smallest block handed out by the buddy allocators.
	Granule uint64 `toml:"granule"`

	// Translator selects how page tables are reached from the host. Only
	// "offset" is meaningful for a hosted arena.
	Translator string `toml:"translator"`

	// GiantPages enables 1GiB mappings.
	GiantPages bool `toml:"giant_pages"`

	// MemoryMap optionally names a multiboot2 boot information dump whose
	// memory map describes the arena. Regions past the arena are dropped.
	MemoryMap string `toml:"memory_map"`

	Mappings []mappingConfig `toml:"mapping"`
}

// mappingConfig describes a run of pages that share a size and flags.
type mappingConfig struct {
	Action   string   `toml:"action"`
	Virt     uint64   `toml:"virt"`
	Phys     uint64   `toml:"phys"`
	Size     string   `toml:"size"`
	Count    uint64   `toml:"count"`
	Flags    []string `toml:"flags"`
	TLB      string   `toml:"tlb"`
	Identity bool     `toml:"identity"`

	// Alloc maps the pages to frames drawn from the physical memory
	// manager instead of Phys.
	Alloc bool `toml:"alloc"`
}

var defaultLayout = layout{
	ArenaSize:  "4M",
	Granule:    4096,
	Translator: "offset",
}

// loadLayout reads a layout from a TOML file.
func loadLayout(path string) (*layout, error) {
	cfg := defaultLayout
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.WrapPrefix(err, "decode "+path, 0)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseLayout reads a layout from a TOML document.
func parseLayout(data string) (*layout, error) {
	cfg := defaultLayout
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *layout) validate() error {
	if _, err := parseSize(l.ArenaSize); err != nil {
		return err
	}

	if l.Translator != "offset" {
		return errors.Errorf("unsupported translator %q", l.Translator)
	}

	for i := range l.Mappings {
		if err := l.Mappings[i].validate(); err != nil {
			return errors.WrapPrefix(err, "mapping "+strconv.Itoa(i), 0)
		}
	}
	return nil
}

func (mc *mappingConfig) validate() error {
	switch mc.Action {
	case "":
		mc.Action = "map"
	case "map", "unmap", "protect":
	default:
		return errors.Errorf("unknown action %q", mc.Action)
	}

	if mc.Size == "" {
		mc.Size = "4K"
	}
	if _, err := mc.pageSize(); err != nil {
		return err
	}

	if mc.Count == 0 {
		mc.Count = 1
	}

	if _, err := mc.flags(); err != nil {
		return err
	}

	if _, err := mc.tlbMethod(); err != nil {
		return err
	}

	if mc.Identity && mc.Alloc {
		return errors.New("identity and alloc are mutually exclusive")
	}
	return nil
}

// pageSize returns the page size selected by the mapping.
func (mc *mappingConfig) pageSize() (uintptr, error) {
	size, err := parseSize(mc.Size)
	if err != nil {
		return 0, err
	}

	switch size {
	case mm.SizeOf[mm.Size4KiB](), mm.SizeOf[mm.Size2MiB](), mm.SizeOf[mm.Size1GiB]():
		return size, nil
	}
	return 0, errors.Errorf("unsupported page size %q", mc.Size)
}

// flags returns the entry flags of the mapping. Present is always set.
func (mc *mappingConfig) flags() (vmm.PageTableEntryFlag, error) {
	flags := vmm.FlagPresent
	for _, name := range mc.Flags {
		flag, ok := vmm.ParseFlag(name)
		if !ok {
			return 0, errors.Errorf("unknown page table entry flag %q", name)
		}
		flags |= flag
	}
	return flags, nil
}

func (mc *mappingConfig) tlbMethod() (vmm.TLBMethod, error) {
	switch mc.TLB {
	case "", "invalidate":
		return vmm.TLBInvalidate, nil
	case "ignore":
		return vmm.TLBIgnore, nil
	}
	return 0, errors.Errorf("unknown TLB method %q", mc.TLB)
}

// parseSize parses sizes such as "4096", "4K", "2M", "2MiB" or "1G".
func parseSize(in string) (uintptr, error) {
	s := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(in), "B"), "i")

	var shift uint
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			shift = 10
		case 'M', 'm':
			shift = 20
		case 'G', 'g':
			shift = 30
		}
		if shift != 0 {
			s = s[:n-1]
		}
	}

	value, err := strconv.ParseUint(s, 0, 64)
	if err != nil || value == 0 {
		return 0, errors.Errorf("invalid size %q", in)
	}
	if value > math.MaxUint64>>shift {
		return 0, errors.Errorf("size %q is too large", in)
	}
	return uintptr(value << shift), nil
}
