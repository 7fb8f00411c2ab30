package core

import (
	"bufio"
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

// A splicedMemory represents a memory space formed from multiple regions,
// each of which may override previously regions. For example, in the following
// core, the program text was loaded at 0x400000:
// Start               End                 Page Offset
// 0x0000000000400000  0x000000000044f000  0x0000000000000000
// but then it's partially overwritten with an RW mapping whose data is stored
// in the core file:
// Type           Offset             VirtAddr           PhysAddr
//                FileSiz            MemSiz              Flags  Align
// LOAD           0x0000000000004000 0x000000000049a000 0x0000000000000000
//                0x0000000000002000 0x0000000000002000  RW     1000
// This can be represented in a SplicedMemory by adding the original region,
// then putting the RW mapping on top of it.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader proc.MemoryReader
}

// Add adds a new region to the SplicedMemory, which may override existing regions.
func (r *splicedMemory) Add(reader proc.MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New reader overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in two and put the new region in the middle.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("Unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadMemory implements proc.MemoryReader. Reading stops at the first
// address that is not covered by any region.
func (r *splicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	for _, entry := range r.readers {
		if entry.offset+entry.length <= addr {
			continue
		}
		if entry.offset > addr {
			break
		}

		// Don't go past the region.
		pb := buf
		if addr+uint64(len(buf)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil && pn == 0 {
			break
		}
		if pn != len(pb) {
			return n, nil
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			// Done, don't bother scanning the rest.
			return n, nil
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %#x", proc.ErrUnreadableMemory, addr)
	}
	return n, nil
}

// offsetReaderAt wraps a ReaderAt into a MemoryReader, subtracting a fixed
// offset from the address. A PT_LOAD segment at vaddr whose contents are at
// off in the core file is an offsetReaderAt with offset vaddr-off.
type offsetReaderAt struct {
	reader io.ReaderAt
	offset uint64
}

// ReadMemory will read the memory at addr-offset.
func (r *offsetReaderAt) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	n, err = r.reader.ReadAt(buf, int64(addr-r.offset))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return n, err
}

// ErrUnrecognizedFormat is returned when the file is not an ELF core file.
var ErrUnrecognizedFormat = errors.New("unrecognized core format")

const elfErrorBadMagicNumber = "bad magic number"

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Core is a Linux ELF core file opened for reading.
type Core struct {
	File  *elf.File
	Notes []*Note

	mem    splicedMemory
	closer io.Closer
}

// Open opens the core file at path. Files compressed with zstd are
// decompressed in memory.
func Open(path string) (*Core, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	magic, _ := bufio.NewReader(f).Peek(len(zstdMagic))
	if !bytes.Equal(magic, zstdMagic) {
		c, err := Read(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		c.closer = f
		return c, nil
	}

	defer f.Close()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	buf, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return Read(bytes.NewReader(buf))
}

// Read parses the core file contained in r.
func Read(r io.ReaderAt) (*Core, error) {
	file, err := elf.NewFile(r)
	if err != nil {
		if _, isfmterr := err.(*elf.FormatError); isfmterr && (strings.Contains(err.Error(), elfErrorBadMagicNumber) || strings.Contains(err.Error(), " at offset 0x0: too short")) {
			return nil, ErrUnrecognizedFormat
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrUnrecognizedFormat
		}
		return nil, err
	}
	if file.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%w: ELF type is %v, not a core file", ErrUnrecognizedFormat, file.Type)
	}

	if err := readExtendedProgs(r, file); err != nil {
		return nil, err
	}

	c := &Core{File: file}
	if c.Notes, err = readNotes(file); err != nil {
		return nil, err
	}
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD && prog.Filesz > 0 {
			c.mem.Add(&offsetReaderAt{r, prog.Vaddr - prog.Off}, prog.Vaddr, prog.Filesz)
		}
	}
	return c, nil
}

const (
	pnXnum         = 0xffff
	progHeaderSize = 56
)

// readExtendedProgs appends to file.Progs the program headers of files
// with PN_XNUM or more of them, whose number is in the sh_info field of
// section header 0. Package debug/elf only reads the first PN_XNUM.
// The Prog structs it creates can not be opened, use ReaderAt.
func readExtendedProgs(r io.ReaderAt, file *elf.File) error {
	if file.Class != elf.ELFCLASS64 || len(file.Progs) != pnXnum || len(file.Sections) == 0 || file.Sections[0].Type != elf.SHT_NULL {
		return nil
	}
	phnum := int(file.Sections[0].Info)
	if phnum <= pnXnum {
		return nil
	}
	bo := file.ByteOrder
	var raw [progHeaderSize]byte
	if _, err := r.ReadAt(raw[:8], 32); err != nil { // e_phoff
		return fmt.Errorf("reading e_phoff: %w", err)
	}
	phoff := int64(bo.Uint64(raw[:8]))
	for i := pnXnum; i < phnum; i++ {
		if _, err := r.ReadAt(raw[:], phoff+int64(i)*progHeaderSize); err != nil {
			return fmt.Errorf("reading program header %d of %d: %w", i, phnum, err)
		}
		prog := &elf.Prog{ProgHeader: elf.ProgHeader{
			Type:   elf.ProgType(bo.Uint32(raw[0:])),
			Flags:  elf.ProgFlag(bo.Uint32(raw[4:])),
			Off:    bo.Uint64(raw[8:]),
			Vaddr:  bo.Uint64(raw[16:]),
			Paddr:  bo.Uint64(raw[24:]),
			Filesz: bo.Uint64(raw[32:]),
			Memsz:  bo.Uint64(raw[40:]),
			Align:  bo.Uint64(raw[48:]),
		}}
		prog.ReaderAt = io.NewSectionReader(r, int64(prog.Off), int64(prog.Filesz))
		file.Progs = append(file.Progs, prog)
	}
	return nil
}

// ReadMemory reads the memory of the process from the contents of the
// PT_LOAD segments. Segments written without contents read as unmapped.
func (c *Core) ReadMemory(buf []byte, addr uint64) (int, error) {
	return c.mem.ReadMemory(buf, addr)
}

// Segments returns the PT_LOAD program headers of the core file.
func (c *Core) Segments() []*elf.Prog {
	var r []*elf.Prog
	for _, prog := range c.File.Progs {
		if prog.Type == elf.PT_LOAD {
			r = append(r, prog)
		}
	}
	return r
}

// Close releases the file opened by Open.
func (c *Core) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
