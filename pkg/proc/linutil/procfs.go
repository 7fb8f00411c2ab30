package linutil

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

// ParseSmaps parses the contents of /proc/<pid>/smaps, or of
// /proc/<pid>/maps which has the same header lines without the per
// mapping details.
func ParseSmaps(smapsbuf []byte) ([]proc.MemoryMapping, error) {
	const VmFlagsPrefix = "VmFlags:"

	smapsLines := strings.Split(string(smapsbuf), "\n")
	r := make([]proc.MemoryMapping, 0)

	for i := 0; i < len(smapsLines); {
		line := smapsLines[i]
		if line == "" {
			i++
			continue
		}
		m, err := parseSmapsHeaderLine(i+1, line)
		if err != nil {
			return nil, err
		}
		for i++; i < len(smapsLines); i++ {
			line := smapsLines[i]
			if line == "" || line[0] < 'A' || line[0] > 'Z' {
				break
			}
			if strings.HasPrefix(line, VmFlagsPrefix) {
				m.VmFlags = strings.Fields(line[len(VmFlagsPrefix):])
			}
		}
		r = append(r, m)
	}
	return r, nil
}

func parseSmapsHeaderLine(lineno int, in string) (m proc.MemoryMapping, err error) {
	fields := strings.SplitN(in, " ", 6)
	if len(fields) < 5 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (wrong number of fields)", lineno, in)
		return
	}

	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad first field)", lineno, in)
		return
	}
	m.Start, err = strconv.ParseUint(v[0], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}
	m.End, err = strconv.ParseUint(v[1], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}

	perm := fields[1]
	if len(perm) < 4 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (permissions column too short)", lineno, in)
		return
	}
	if perm[0] == 'r' {
		m.Perm |= proc.PermRead
	}
	if perm[1] == 'w' {
		m.Perm |= proc.PermWrite
	}
	if perm[2] == 'x' {
		m.Perm |= proc.PermExec
	}
	if perm[3] == 's' {
		m.Perm |= proc.PermShared
	}

	m.Offset, err = strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}

	m.Dev = fields[3]

	m.Inode, err = strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}

	if len(fields) == 6 {
		m.Path = strings.TrimLeft(fields[5], " ")
	}
	return
}

// Stat is the subset of /proc/<pid>/stat (or /proc/<pid>/task/<tid>/stat)
// needed to describe a process in a core file.
type Stat struct {
	Pid             int
	Comm            string
	State           byte
	Ppid, Pgrp, Sid int
	Utime, Stime    uint64 // clock ticks
	Nice            int
}

// ParseStat parses the contents of /proc/<pid>/stat.
// The second field is the name of the task in parentheses; since both
// parenthesis and spaces can appear inside it and no escaping happens the
// name extends to the last closing parenthesis.
func ParseStat(buf []byte) (Stat, error) {
	var st Stat
	open := bytes.IndexByte(buf, '(')
	end := bytes.LastIndexByte(buf, ')')
	if open < 0 || end < open {
		return st, fmt.Errorf("malformed stat line %q", buf)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:open])))
	if err != nil {
		return st, fmt.Errorf("malformed stat line %q: %v", buf, err)
	}
	st.Pid = pid
	st.Comm = string(buf[open+1 : end])

	// fields after the name, numbered from 3 as in proc(5)
	fields := strings.Fields(string(buf[end+1:]))
	if len(fields) < 17 {
		return st, fmt.Errorf("malformed stat line %q (too few fields)", buf)
	}
	field := func(n int) string { return fields[n-3] }

	if len(field(3)) != 1 {
		return st, fmt.Errorf("malformed stat line %q (bad state)", buf)
	}
	st.State = field(3)[0]
	ints := []struct {
		n   int
		dst *int
	}{{4, &st.Ppid}, {5, &st.Pgrp}, {6, &st.Sid}, {19, &st.Nice}}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(field(f.n)); err != nil {
			return st, fmt.Errorf("malformed stat line %q (field %d): %v", buf, f.n, err)
		}
	}
	if st.Utime, err = strconv.ParseUint(field(14), 10, 64); err != nil {
		return st, fmt.Errorf("malformed stat line %q (field 14): %v", buf, err)
	}
	if st.Stime, err = strconv.ParseUint(field(15), 10, 64); err != nil {
		return st, fmt.Errorf("malformed stat line %q (field 15): %v", buf, err)
	}
	return st, nil
}
