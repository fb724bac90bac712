package vm

import (
	"io"
	"strconv"
	"strings"

	"kernvm/kernel"
	"kernvm/kernel/kfmt"
	"kernvm/kernel/mm"

	"golang.org/x/exp/slices"
)

var (
	errUnknownCommand = &kernel.Error{Module: "vm", Message: "unknown debugger command", Kind: kernel.BadValue}
	errUsage          = &kernel.Error{Module: "vm", Message: "bad debugger command arguments", Kind: kernel.BadValue}
	errNoSuchCache    = &kernel.Error{Module: "vm", Message: "no such cache", Kind: kernel.BadValue}
)

type debugCommand struct {
	usage string
	run   func(s *System, w io.Writer, args []string) *kernel.Error
}

var debugCommands map[string]debugCommand

func init() {
	debugCommands = map[string]debugCommand{
		"area":      {"area <id|address>", (*System).dumpAreaCommand},
		"areas":     {"areas [team]", (*System).dumpAreasCommand},
		"aspaces":   {"aspaces", (*System).dumpAddressSpacesCommand},
		"avail":     {"avail", (*System).dumpAvailableCommand},
		"cache":     {"cache <id>", (*System).dumpCacheCommand},
		"cache_ref": {"cache_ref <cache id>", (*System).dumpCacheRefCommand},
		"db":        {"db <address> [count] [team]", dumpMemoryCommand(1)},
		"dw":        {"dw <address> [count] [team]", dumpMemoryCommand(2)},
		"dl":        {"dl <address> [count] [team]", dumpMemoryCommand(4)},
		"help":      {"help", (*System).helpCommand},
	}
}

// DebugCommand runs a debugger command line and writes its output to w.
func (s *System) DebugCommand(w io.Writer, line string) *kernel.Error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, ok := debugCommands[fields[0]]
	if !ok {
		return errUnknownCommand
	}
	if err := cmd.run(s, w, fields[1:]); err != nil {
		if err == errUsage {
			kfmt.Fprintf(w, "usage: %s\n", cmd.usage)
		}
		return err
	}
	return nil
}

func (s *System) helpCommand(w io.Writer, _ []string) *kernel.Error {
	names := make([]string, 0, len(debugCommands))
	for name := range debugCommands {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		kfmt.Fprintf(w, "  %s\n", debugCommands[name].usage)
	}
	return nil
}

func parseNumber(arg string) (uint64, *kernel.Error) {
	value, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, errUsage
	}
	return value, nil
}

func (s *System) dumpAreaCommand(w io.Writer, args []string) *kernel.Error {
	if len(args) != 1 {
		return errUsage
	}

	value, err := parseNumber(args[0])
	if err != nil {
		return err
	}

	// Small numbers are area ids, anything else an address in any space.
	if value <= 0x7fffffff {
		if area := s.getArea(AreaID(value)); area != nil {
			s.dumpArea(w, area)
			s.putArea(area, false)
			return nil
		}
	}

	found := false
	for _, as := range s.spaceList() {
		var area *Area
		as.lock.RLock()
		if candidate := as.lookupArea(uintptr(value)); candidate != nil {
			area = s.getArea(candidate.id)
		}
		as.lock.RUnlock()
		if area != nil {
			s.dumpArea(w, area)
			s.putArea(area, false)
			found = true
		}
		s.putAddressSpace(as)
	}
	if !found {
		kfmt.Fprintf(w, "no area found for %#x\n", value)
	}
	return nil
}

func (s *System) dumpArea(w io.Writer, area *Area) {
	as := area.addressSpace
	as.lock.RLock()
	kfmt.Fprintf(w, "area %d: %s\n", area.id, area.name)
	kfmt.Fprintf(w, "  team:         %d\n", as.id)
	kfmt.Fprintf(w, "  base:         %#x\n", area.base)
	kfmt.Fprintf(w, "  size:         %#x\n", area.size)
	kfmt.Fprintf(w, "  protection:   %s\n", area.protection)
	kfmt.Fprintf(w, "  wiring:       %s\n", area.wiring)
	kfmt.Fprintf(w, "  memory type:  %s\n", area.memoryType)
	kfmt.Fprintf(w, "  ref count:    %d\n", area.refCount.Load())
	kfmt.Fprintf(w, "  cache offset: %#x\n", area.cacheOffset)
	as.lock.RUnlock()

	ref := area.cacheRef
	ref.lock.Lock()
	kfmt.Fprintf(w, "  cache:        %d (ref %p)\n", ref.cache.id, ref)
	ref.lock.Unlock()
}

func (s *System) dumpAreasCommand(w io.Writer, args []string) *kernel.Error {
	spaces := s.spaceList()
	if len(args) == 1 {
		team, err := parseNumber(args[0])
		if err != nil {
			return err
		}

		for _, as := range spaces {
			s.putAddressSpace(as)
		}
		as := s.getAddressSpace(TeamID(team))
		if as == nil {
			return errNoSuchTeam
		}
		spaces = []*AddressSpace{as}
	}

	kfmt.Fprintf(w, "%-6s %-6s %-18s %-18s %-10s %-10s %s\n", "id", "team", "base", "size", "protect", "wiring", "name")
	for _, as := range spaces {
		as.lock.RLock()
		for _, area := range as.areas {
			if area.id == ReservedAreaID {
				kfmt.Fprintf(w, "%-6s %-6d %#-18x %#-18x %-10s %-10s %s\n", "-", as.id, area.base, area.size, "-", "-", area.name)
				continue
			}
			kfmt.Fprintf(w, "%-6d %-6d %#-18x %#-18x %-10s %-10s %s\n", area.id, as.id, area.base, area.size, area.protection, area.wiring, area.name)
		}
		as.lock.RUnlock()
		s.putAddressSpace(as)
	}
	return nil
}

func (s *System) dumpAddressSpacesCommand(w io.Writer, _ []string) *kernel.Error {
	kfmt.Fprintf(w, "%-6s %-18s %-18s %-6s %-8s %s\n", "team", "base", "size", "areas", "changes", "refs")
	for _, as := range s.spaceList() {
		as.lock.RLock()
		kfmt.Fprintf(w, "%-6d %#-18x %#-18x %-6d %-8d %d\n", as.id, as.base, as.size, len(as.areas), as.changeCount, as.refCount.Load()-1)
		as.lock.RUnlock()
		s.putAddressSpace(as)
	}
	return nil
}

func (s *System) dumpAvailableCommand(w io.Writer, _ []string) *kernel.Error {
	kfmt.Fprintf(w, "available memory: %d bytes\n", s.AvailableMemory())
	kfmt.Fprintf(w, "free pages:       %d/%d\n", s.pool.FreeCount(), s.pool.PageCount())
	return nil
}

func (s *System) cacheFromArgs(args []string) (*Cache, *kernel.Error) {
	if len(args) != 1 {
		return nil, errUsage
	}

	id, err := parseNumber(args[0])
	if err != nil {
		return nil, err
	}

	cache := s.lookupCache(int32(id))
	if cache == nil {
		return nil, errNoSuchCache
	}
	return cache, nil
}

func (s *System) dumpCacheCommand(w io.Writer, args []string) *kernel.Error {
	cache, err := s.cacheFromArgs(args)
	if err != nil {
		return err
	}

	s.dumpCache(w, cache)
	return nil
}

// dumpCache prints cache followed by its source chain, each source indented
// one level deeper.
func (s *System) dumpCache(w io.Writer, cache *Cache) {
	ref := lockCache(cache)
	kfmt.Fprintf(w, "cache %d: %s\n", cache.id, cache.typ)
	kfmt.Fprintf(w, "  ref:          %p\n", ref)
	kfmt.Fprintf(w, "  virtual:      %#x-%#x\n", cache.virtualBase, cache.virtualSize)
	kfmt.Fprintf(w, "  temporary:    %t\n", cache.temporary)
	kfmt.Fprintf(w, "  scan skip:    %t\n", cache.scanSkip)
	kfmt.Fprintf(w, "  committed:    %#x\n", cache.store.Committed())

	consumers := make([]string, 0, len(cache.consumers))
	for _, consumer := range cache.consumers {
		consumers = append(consumers, strconv.Itoa(int(consumer.id)))
	}
	kfmt.Fprintf(w, "  consumers:    [%s]\n", strings.Join(consumers, " "))

	kfmt.Fprintf(w, "  pages:        %d\n", cache.residentCount())
	for _, offset := range cache.sortedOffsets() {
		page := cache.pages[offset]
		kfmt.Fprintf(w, "    %#x: frame %#x %s mapped %d\n", offset, page.Address(), page.State, page.RefCount())
	}
	source := cache.source
	ref.lock.Unlock()

	if source != nil {
		kfmt.Fprintf(w, "  source:\n")
		s.dumpCache(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("    ")}, source)
	}
}

func (s *System) dumpCacheRefCommand(w io.Writer, args []string) *kernel.Error {
	cache, err := s.cacheFromArgs(args)
	if err != nil {
		return err
	}

	ref := lockCache(cache)
	kfmt.Fprintf(w, "cache ref %p\n", ref)
	kfmt.Fprintf(w, "  ref count: %d\n", ref.refCount.Load())
	kfmt.Fprintf(w, "  cache:     %d\n", cache.id)
	kfmt.Fprintf(w, "  areas:\n")
	for _, area := range ref.areas {
		kfmt.Fprintf(w, "    %d (%s) team %d\n", area.id, area.name, area.addressSpace.id)
	}
	ref.lock.Unlock()
	return nil
}

// dumpMemoryCommand returns a hex dump command printing items of the given
// width. Memory is read through the translation map without faulting; pages
// that are not mapped are reported as such.
func dumpMemoryCommand(width int) func(s *System, w io.Writer, args []string) *kernel.Error {
	return func(s *System, w io.Writer, args []string) *kernel.Error {
		if len(args) < 1 || len(args) > 3 {
			return errUsage
		}

		address, err := parseNumber(args[0])
		if err != nil {
			return err
		}

		count := uint64(1)
		if len(args) > 1 {
			if count, err = parseNumber(args[1]); err != nil {
				return err
			}
		}

		team := uint64(KernelTeamID)
		if len(args) > 2 {
			if team, err = parseNumber(args[2]); err != nil {
				return err
			}
		}

		as := s.getAddressSpace(TeamID(team))
		if as == nil {
			return errNoSuchTeam
		}
		defer s.putAddressSpace(as)

		const itemsPerLine = 16
		perLine := uint64(itemsPerLine / width)
		for i := uint64(0); i < count; i++ {
			itemAddr := uintptr(address) + uintptr(i)*uintptr(width)
			if i%perLine == 0 {
				if i != 0 {
					kfmt.Fprintf(w, "\n")
				}
				kfmt.Fprintf(w, "[%#016x] ", itemAddr)
			}

			value, ok := s.peek(as, itemAddr, width)
			if !ok {
				kfmt.Fprintf(w, "\nnot mapped: %#x\n", itemAddr)
				return nil
			}
			kfmt.Fprintf(w, " %0*x", width*2, value)
		}
		kfmt.Fprintf(w, "\n")
		return nil
	}
}

// peek reads a little endian value of width bytes at address without
// faulting.
func (s *System) peek(as *AddressSpace, address uintptr, width int) (uint64, bool) {
	tm := as.translationMap
	tm.Lock()
	defer tm.Unlock()

	var value uint64
	for i := width - 1; i >= 0; i-- {
		byteAddr := address + uintptr(i)
		physAddr, _, flags, err := tm.Query(byteAddr)
		if err != nil || !flags.Present() {
			return 0, false
		}

		data, err := tm.GetPhysicalPage(mm.RoundDown(physAddr), false)
		if err != nil {
			return 0, false
		}
		value = value<<8 | uint64(data[physAddr-mm.RoundDown(physAddr)])
		tm.PutPhysicalPage(data)
	}
	return value, true
}

// spaceList returns every address space with an extra reference, sorted by
// team.
func (s *System) spaceList() []*AddressSpace {
	s.spaceLock.RLock()
	spaces := make([]*AddressSpace, 0, len(s.spaces))
	for _, as := range s.spaces {
		as.refCount.Add(1)
		spaces = append(spaces, as)
	}
	s.spaceLock.RUnlock()

	slices.SortFunc(spaces, func(a, b *AddressSpace) int { return int(a.id) - int(b.id) })
	return spaces
}
