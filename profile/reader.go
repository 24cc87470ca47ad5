// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package profile // import "github.com/westtide/profgen/profile"

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/westtide/profgen/unwinder"
)

// Read parses an unsymbolized profile back into a counter map. Any
// structural inconsistency, like a declared entry count not matched by
// the following lines, is a hard error naming the offending line.
func Read(r io.Reader) (*unwinder.CounterMap, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	var lineNums []int
	for num := 1; scanner.Scan(); num++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		lineNums = append(lineNums, num)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	m := unwinder.NewCounterMap()
	for i := 0; i < len(lines); {
		var key *unwinder.ContextKey
		if strings.HasPrefix(lines[i], "[") {
			if !strings.HasSuffix(lines[i], "]") {
				return nil, fmt.Errorf("line %d: unterminated context header %q",
					lineNums[i], lines[i])
			}
			key = parseContext(lines[i][1 : len(lines[i])-1])
			i++
		} else {
			// Headerless block: a non-context-sensitive profile, which
			// consists of exactly one block.
			if m.Len() != 0 {
				return nil, fmt.Errorf("line %d: expected context header, got %q",
					lineNums[i], lines[i])
			}
			key = unwinder.NewFramesKey(nil, false)
		}
		if m.Lookup(key) != nil {
			return nil, fmt.Errorf("line %d: duplicate context [%s]",
				lineNums[i-1], key)
		}
		counter := m.GetOrCreate(key)

		var err error
		i, err = readSection(lines, lineNums, i, "-", counter.RecordRange)
		if err != nil {
			return nil, err
		}
		i, err = readSection(lines, lineNums, i, "->", counter.RecordBranch)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// parseContext splits a header into frames. A header whose every frame
// is a 0x-prefixed hex literal is an address-based context.
func parseContext(header string) *unwinder.ContextKey {
	if header == "" {
		return unwinder.NewFramesKey(nil, false)
	}
	frames := strings.Split(header, " @ ")
	addrs := make([]uint64, 0, len(frames))
	for _, frame := range frames {
		if !strings.HasPrefix(frame, "0x") {
			return unwinder.NewFramesKey(frames, false)
		}
		addr, err := strconv.ParseUint(frame[2:], 16, 64)
		if err != nil {
			return unwinder.NewFramesKey(frames, false)
		}
		addrs = append(addrs, addr)
	}
	return unwinder.NewAddressesKey(addrs)
}

// readSection reads one count-prefixed section of `a<sep>b:count` lines
// and feeds the parsed entries to record.
func readSection(lines []string, lineNums []int, i int, sep string,
	record func(a, b, count uint64)) (int, error) {
	if i >= len(lines) {
		return 0, fmt.Errorf("unexpected end of profile, expected entry count")
	}
	declared, err := strconv.ParseUint(lines[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: invalid entry count %q", lineNums[i], lines[i])
	}
	i++
	for n := uint64(0); n < declared; n++ {
		if i >= len(lines) || strings.HasPrefix(lines[i], "[") {
			return 0, fmt.Errorf("declared %d entries but found %d", declared, n)
		}
		a, b, count, err := parseEntry(lines[i], sep)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", lineNums[i], err)
		}
		record(a, b, count)
		i++
	}
	return i, nil
}

func parseEntry(line, sep string) (a, b, count uint64, err error) {
	addrPart, countPart, ok := strings.Cut(line, ":")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed entry %q", line)
	}
	first, second, ok := strings.Cut(addrPart, sep)
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed entry %q, missing %q", line, sep)
	}
	if a, err = strconv.ParseUint(first, 16, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid address %q", first)
	}
	if b, err = strconv.ParseUint(second, 16, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid address %q", second)
	}
	if count, err = strconv.ParseUint(countPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid count %q", countPart)
	}
	return a, b, count, nil
}
