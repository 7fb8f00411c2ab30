package coredump

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/go-elfcore/elfcore/pkg/elfwriter"
	"github.com/go-elfcore/elfcore/pkg/logflags"
	"github.com/go-elfcore/elfcore/pkg/proc"
)

// segment is a PT_LOAD segment of the core file.
type segment struct {
	mapping *proc.MemoryMapping
	prog    *elf.ProgHeader

	// skipped says why the contents of the mapping are not in the file,
	// empty if they are.
	skipped string
}

// layout is the position of everything in the core file.
type layout struct {
	fhdr     elf.FileHeader
	notes    []elfwriter.Note
	noteProg *elf.ProgHeader
	segments []segment

	// shoff is the offset of the section header holding the number of
	// program headers, 0 if the file header has enough room for it.
	shoff uint64
	size  uint64
}

func (l *layout) progs() []*elf.ProgHeader {
	r := make([]*elf.ProgHeader, 0, 1+len(l.segments))
	r = append(r, l.noteProg)
	for i := range l.segments {
		r = append(r, l.segments[i].prog)
	}
	return r
}

func alignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// planLayout decides what will be written and where. A mapping's contents
// are written if it is dumpable, if useFilter is false or the coredump
// filter of the process includes it, and if at least one of its pages can
// be read. Unreadable pages of a written mapping are zero filled.
func planLayout(snap *proc.Snapshot, notes []elfwriter.Note, mem proc.MemoryReader, useFilter bool, log logflags.Logger) (*layout, error) {
	pageSize := snap.Arch.PageSize

	l := &layout{
		fhdr: elf.FileHeader{
			Class:   elf.ELFCLASS64,
			Data:    elf.ELFDATA2LSB,
			Version: elf.EV_CURRENT,
			OSABI:   elf.ELFOSABI_NONE,
			Type:    elf.ET_CORE,
			Machine: snap.Arch.Machine,
		},
		notes: notes,
	}

	if !elfwriter.ValidPhnum(1 + len(snap.Mappings)) {
		return nil, fmt.Errorf("process %d has %d mappings: %w", snap.Pid, len(snap.Mappings), elfwriter.ErrTooManyProgs)
	}
	phnum := uint64(1 + len(snap.Mappings))
	off := uint64(elfwriter.FileHeaderSize) + phnum*elfwriter.ProgHeaderSize
	l.noteProg = &elf.ProgHeader{
		Type:   elf.PT_NOTE,
		Off:    off,
		Filesz: elfwriter.NoteSize(notes),
		Align:  4,
	}
	noteEnd := off + l.noteProg.Filesz
	off = alignUp(noteEnd, pageSize)

	var scratch [1]byte
	withContents := 0
	for i := range snap.Mappings {
		m := &snap.Mappings[i]
		seg := segment{
			mapping: m,
			prog: &elf.ProgHeader{
				Type:  elf.PT_LOAD,
				Flags: progFlags(m.Perm),
				Off:   off,
				Vaddr: m.Start,
				Memsz: m.Size(),
				Align: pageSize,
			},
		}

		filesz := m.Size()
		switch {
		case !m.Dumpable():
			seg.skipped = "not dumpable"
		case useFilter && !snap.CoredumpFilter.Includes(m):
			if snap.CoredumpFilter.IncludesHeader(m) {
				filesz = pageSize
				if filesz > m.Size() {
					filesz = m.Size()
				}
			} else {
				seg.skipped = "excluded by coredump_filter"
			}
		}
		if seg.skipped == "" {
			ok, err := anyPageReadable(mem, m.Start, filesz, pageSize, scratch[:])
			if err != nil {
				return nil, err
			}
			if !ok {
				seg.skipped = "unreadable"
			}
		}
		if seg.skipped != "" {
			log.Debugf("mapping %v: %s", m, seg.skipped)
		} else {
			seg.prog.Filesz = filesz
			withContents++
		}
		off += seg.prog.Filesz
		l.segments = append(l.segments, seg)
	}
	l.size = off
	if len(l.segments) == 0 {
		l.size = noteEnd
	}
	if phnum >= elfwriter.PnXnum {
		l.shoff = alignUp(l.size, 8)
		l.size = l.shoff + elfwriter.SectionHeaderSize
	}

	if len(snap.Mappings) > 0 && withContents == 0 {
		return nil, fmt.Errorf("none of the %d mappings of process %d can be read: %w", len(snap.Mappings), snap.Pid, proc.ErrUnreadableMemory)
	}
	return l, nil
}

// anyPageReadable returns true if the first byte of any page in
// [start, start+size) can be read.
func anyPageReadable(mem proc.MemoryReader, start, size, pageSize uint64, scratch []byte) (bool, error) {
	for addr := start; addr < start+size; addr += pageSize {
		_, err := mem.ReadMemory(scratch[:1], addr)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, proc.ErrProcessGone):
			return false, err
		}
	}
	return false, nil
}

func progFlags(perm proc.Perm) elf.ProgFlag {
	var flags elf.ProgFlag
	if perm&proc.PermRead != 0 {
		flags |= elf.PF_R
	}
	if perm&proc.PermWrite != 0 {
		flags |= elf.PF_W
	}
	if perm&proc.PermExec != 0 {
		flags |= elf.PF_X
	}
	return flags
}
