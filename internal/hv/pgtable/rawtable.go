package pgtable

import (
	"fmt"
	"io"
	"strings"
)

// mapLevel updates the descriptors of table covering [begin, end) to attrs,
// recursing into child tables as needed (spec §4.3). Every failure is
// returned as an error: an unaligned range reaching level 0 as
// ErrInvalidRange, an allocation failure as the pool's error. The bool
// result is true whenever the error is nil.
func mapLevel(s stage, table *RawTable, begin, end uint64, attrs Attrs, level uint8, flags Flags, pool Pool) (bool, error) {
	entrySize := EntrySize(s.arch, level)
	idx := int(Index(s.arch, begin, level))
	entries := EntriesPerTable(s.arch)

	for idx < entries && begin < end {
		entryEnd := LevelEnd(s.arch, begin, level)
		subEnd := min(end, entryEnd)
		word := table.Entries[idx]

		// Short-circuit: idempotent no-ops never touch the descriptor or
		// the TLB (property 2 and scenario S6).
		if flags&FlagUnmap != 0 && !s.arch.IsPresent(word, level) {
			begin = subEnd
			idx++
			continue
		}
		if flags&FlagUnmap == 0 && s.arch.IsBlock(word, level) && s.arch.PTEAttrs(word, level) == attrs {
			begin = subEnd
			idx++
			continue
		}

		wholeEntry := begin%entrySize == 0 && subEnd == entryEnd
		if wholeEntry && (flags&FlagUnmap != 0 || s.arch.IsBlockAllowed(level) || level == 0) {
			if flags&FlagCommit != 0 {
				var newWord uint64
				if flags&FlagUnmap != 0 {
					newWord = s.arch.AbsentDescriptor(level)
				} else {
					newWord = s.arch.BlockDescriptor(level, begin, attrs)
				}
				if err := replaceDescriptor(s, &table.Entries[idx], newWord, begin, level, pool); err != nil {
					return false, err
				}
			}
			begin = subEnd
			idx++
			continue
		}

		if level == 0 {
			// Level 0 is always a leaf; a partial sub-range here means the
			// caller supplied a non-page-aligned address.
			return false, fmt.Errorf("pgtable: %w: unaligned address at level 0", ErrInvalidRange)
		}

		child, err := populateTable(s, &table.Entries[idx], begin, level, pool)
		if err != nil {
			return false, err
		}

		ok, err := mapLevel(s, child, begin, subEnd, attrs, level-1, flags, pool)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		if flags&FlagCommit != 0 && flags&FlagUnmap != 0 && child.isEmpty(s.arch, level-1) {
			if err := replaceDescriptor(s, &table.Entries[idx], s.arch.AbsentDescriptor(level), begin, level, pool); err != nil {
				return false, err
			}
		}

		begin = subEnd
		idx++
	}

	return true, nil
}

// getAttrsLevel walks the descriptors of table covering [begin, end),
// returning the common attrs of every leaf touched, or ok=false if any two
// leaves differ (spec §4.3).
func getAttrsLevel(s stage, table *RawTable, begin, end uint64, level uint8, pool Pool) (Attrs, bool) {
	idx := int(Index(s.arch, begin, level))
	entries := EntriesPerTable(s.arch)

	var result Attrs
	first := true

	for idx < entries && begin < end {
		entryEnd := LevelEnd(s.arch, begin, level)
		subEnd := min(end, entryEnd)
		word := table.Entries[idx]

		var attrs Attrs
		if s.arch.IsTable(word, level) {
			addr := s.arch.TableAddress(word, level)
			child, ok := pool.Resolve(addr)
			if !ok {
				return Attrs(0), false
			}
			a, ok := getAttrsLevel(s, child, begin, subEnd, level-1, pool)
			if !ok {
				return Attrs(0), false
			}
			attrs = a
		} else {
			attrs = s.arch.PTEAttrs(word, level)
		}

		if first {
			result = attrs
			first = false
		} else if attrs != result {
			return Attrs(0), false
		}

		begin = subEnd
		idx++
	}

	if first {
		// Empty range: nothing to report.
		return Attrs(0), false
	}
	return result, true
}

// dumpTable writes one indented line per present descriptor, recursing into
// sub-tables (spec §4.3 "dump").
func dumpTable(s stage, table *RawTable, maxLevel, level uint8, w io.Writer, pool Pool) {
	indent := strings.Repeat(" ", 4*int(maxLevel-level))
	for i, word := range table.Entries {
		if !s.arch.IsPresent(word, level) {
			continue
		}
		switch {
		case s.arch.IsTable(word, level):
			addr := s.arch.TableAddress(word, level)
			fmt.Fprintf(w, "%sL%d[%d]: table -> %#x\n", indent, level, i, addr)
			if child, ok := pool.Resolve(addr); ok {
				dumpTable(s, child, maxLevel, level-1, w, pool)
			}
		case s.arch.IsBlock(word, level):
			addr := s.arch.BlockAddress(word, level)
			attrs := s.arch.PTEAttrs(word, level)
			fmt.Fprintf(w, "%sL%d[%d]: block %#x attrs=%#x\n", indent, level, i, addr, uint64(attrs))
		}
	}
}
