package proc

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Snapshot is the state of a stopped process.
type Snapshot struct {
	Pid  int
	Arch *Arch
	Info ProcessInfo

	// Threads lists every thread that was stopped at attach time, the
	// thread group leader first.
	Threads []Thread

	// Mappings lists the memory mappings of the process sorted by start
	// address.
	Mappings []MemoryMapping

	Auxv []AuxvEntry

	// CoredumpFilter is the content of /proc/<pid>/coredump_filter, if it
	// could be read.
	CoredumpFilter CoredumpFilter
}

// ProcessInfo is process wide metadata.
type ProcessInfo struct {
	Pid, Ppid, Pgrp, Sid int
	Uid, Gid             uint32
	Nice                 int
	State                byte // state letter as reported in /proc/<pid>/stat
	Comm                 string
	Args                 []string
	Exe                  string
}

// Thread is the state of a single stopped thread.
type Thread struct {
	Tid int

	// Regs is the general purpose register set in the layout used by the
	// kernel for NT_PRSTATUS on this architecture.
	Regs []byte

	// FPRegs is the floating point register set in the layout used for
	// NT_FPREGSET, nil if unavailable.
	FPRegs []byte

	// XState is the raw XSAVE area (amd64 only), nil if unavailable.
	XState []byte

	SigInfo SigInfo

	UserTime, SystemTime time.Duration
}

// SigInfo is the signal that stopped a thread.
type SigInfo struct {
	Signo int32
	Errno int32
	Code  int32
	Addr  uint64 // faulting address, only meaningful for SIGSEGV, SIGBUS, SIGILL, SIGFPE and SIGTRAP

	// Raw is the siginfo_t structure as returned by PTRACE_GETSIGINFO.
	Raw []byte
}

// Perm is a set of memory permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermShared
)

func (p Perm) String() string {
	b := []byte("---p")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	if p&PermShared != 0 {
		b[3] = 's'
	}
	return string(b)
}

// MemoryMapping is a contiguous range of the target's address space with
// uniform permissions.
type MemoryMapping struct {
	Start, End uint64 // [Start, End)
	Perm       Perm

	// Path is the backing file, empty for anonymous mappings. Pseudo paths
	// like "[stack]" are kept as reported by the kernel.
	Path   string
	Offset uint64
	Dev    string
	Inode  uint64

	VmFlags []string
}

// Size returns the size of the mapping in bytes.
func (m *MemoryMapping) Size() uint64 {
	return m.End - m.Start
}

// FileBacked returns true if the mapping is backed by a regular file.
func (m *MemoryMapping) FileBacked() bool {
	return m.Inode != 0 && m.Path != "" && !strings.HasPrefix(m.Path, "[")
}

// HasVmFlag returns true if the kernel reported flag for this mapping in
// /proc/<pid>/smaps.
func (m *MemoryMapping) HasVmFlag(flag string) bool {
	for _, f := range m.VmFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Dumpable returns false for mappings whose contents must never be
// copied: mappings without read permission, mappings marked
// MADV_DONTDUMP, I/O mappings and pure PFN ranges.
func (m *MemoryMapping) Dumpable() bool {
	if m.Perm&PermRead == 0 {
		return false
	}
	for _, f := range m.VmFlags {
		switch f {
		case "dd", "io", "pf":
			return false
		}
	}
	return true
}

func (m *MemoryMapping) String() string {
	return fmt.Sprintf("%#x-%#x %s %#x %s", m.Start, m.End, m.Perm, m.Offset, m.Path)
}

// AuxvEntry is an entry of the ELF auxiliary vector.
type AuxvEntry struct {
	Tag, Val uint64
}

// CoredumpFilter is the bitmask of /proc/<pid>/coredump_filter, see
// core(5).
type CoredumpFilter uint32

const (
	FilterAnonPrivate CoredumpFilter = 1 << iota
	FilterAnonShared
	FilterFilePrivate
	FilterFileShared
	FilterELFHeaders
	FilterHugePrivate
	FilterHugeShared

	// DefaultCoredumpFilter is the kernel default.
	DefaultCoredumpFilter = FilterAnonPrivate | FilterAnonShared | FilterELFHeaders | FilterHugePrivate
)

// Includes returns true if the full contents of m should be dumped
// according to the filter.
func (f CoredumpFilter) Includes(m *MemoryMapping) bool {
	huge := m.HasVmFlag("ht")
	shared := m.Perm&PermShared != 0
	switch {
	case huge && shared:
		return f&FilterHugeShared != 0
	case huge:
		return f&FilterHugePrivate != 0
	case m.FileBacked() && shared:
		return f&FilterFileShared != 0
	case m.FileBacked():
		return f&FilterFilePrivate != 0
	case shared:
		return f&FilterAnonShared != 0
	default:
		return f&FilterAnonPrivate != 0
	}
}

// IncludesHeader returns true if the first page of a file backed mapping
// excluded by Includes should still be dumped because it might contain an
// ELF header.
func (f CoredumpFilter) IncludesHeader(m *MemoryMapping) bool {
	return f&FilterELFHeaders != 0 && m.FileBacked() && m.Offset == 0 && m.Perm&PermRead != 0
}

// Validate checks the invariants of the snapshot: a known architecture,
// at least one thread and mappings that are well formed, sorted and
// non-overlapping.
func (s *Snapshot) Validate() error {
	if s.Arch == nil {
		return fmt.Errorf("snapshot of %d: %w", s.Pid, ErrUnsupportedArch)
	}
	if len(s.Threads) == 0 {
		return fmt.Errorf("snapshot of %d has no threads", s.Pid)
	}
	for i := range s.Mappings {
		m := &s.Mappings[i]
		if m.End <= m.Start {
			return fmt.Errorf("snapshot of %d: empty or inverted mapping %v", s.Pid, m)
		}
		if i > 0 && m.Start < s.Mappings[i-1].End {
			return fmt.Errorf("snapshot of %d: mapping %v overlaps or precedes %v", s.Pid, m, &s.Mappings[i-1])
		}
	}
	return nil
}

// SortThreads puts the thread group leader first and orders the remaining
// threads by ascending id.
func (s *Snapshot) SortThreads() {
	sort.SliceStable(s.Threads, func(i, j int) bool {
		ti, tj := s.Threads[i].Tid, s.Threads[j].Tid
		if ti == s.Pid {
			return tj != s.Pid
		}
		if tj == s.Pid {
			return false
		}
		return ti < tj
	})
}
