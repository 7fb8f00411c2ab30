// elfwriter is a package to write ELF files without having their entire
// contents in memory at any one time and without seeking, so that they can
// be written to pipes.
// This package is incomplete, only features needed to write core files are
// implemented, notably missing:
// - section headers, except for the one holding the number of program
//   headers of files with PN_XNUM or more of them
// - 32bit and big endian files
// The layout of the file must be computed before writing starts: file
// header, program headers, then the contents of the segments in the order
// of their offsets.

package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// FileHeaderSize is the size of an ELF64 file header, program headers
	// start right after it.
	FileHeaderSize = 64
	// ProgHeaderSize is the size of an ELF64 program header.
	ProgHeaderSize = 56
	// SectionHeaderSize is the size of an ELF64 section header.
	SectionHeaderSize = 64

	// PnXnum is the value of e_phnum for files with too many program
	// headers to count in the file header, the real number is in the
	// sh_info field of section header 0.
	PnXnum = 0xffff
)

var (
	// ErrUnsupported is returned for file headers describing a class or
	// byte order this package can not write.
	ErrUnsupported = errors.New("only little endian ELF64 files can be written")

	// ErrTooManyProgs is returned when the number of program headers does
	// not fit in sh_info.
	ErrTooManyProgs = errors.New("too many program headers")
)

// ValidPhnum returns true if a file can have phnum program headers.
func ValidPhnum(phnum int) bool {
	return phnum >= 0 && uint64(phnum) <= math.MaxUint32
}

// Writer writes ELF files.
type Writer struct {
	w     io.Writer
	Err   error
	Progs []*elf.ProgHeader

	off   int64
	phnum int
	shoff int64
}

// Note is an entry of a PT_NOTE segment.
type Note struct {
	Type elf.NType
	Name string
	Data []byte
}

// New creates a new Writer and writes the file header, which declares
// phnum program headers immediately following it.
// If phnum is PnXnum or more the file header points to a section header at
// shoff, which must be written with WriteExtendedNumbering, otherwise shoff
// is ignored.
func New(w io.Writer, fhdr *elf.FileHeader, phnum int, shoff int64) *Writer {
	r := &Writer{w: w, phnum: phnum}

	if fhdr.Class != elf.ELFCLASS64 || fhdr.Data != elf.ELFDATA2LSB {
		r.Err = ErrUnsupported
		return r
	}
	if !ValidPhnum(phnum) {
		r.Err = fmt.Errorf("%w (%d)", ErrTooManyProgs, phnum)
		return r
	}

	ephnum, shentsize, shnum := phnum, 0, 0
	if phnum >= PnXnum {
		if shoff < FileHeaderSize+int64(phnum)*ProgHeaderSize {
			r.Err = fmt.Errorf("internal error, section header at %#x overlaps program headers", shoff)
			return r
		}
		r.shoff = shoff
		ephnum, shentsize, shnum = PnXnum, SectionHeaderSize, 1
	}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.u16(uint16(fhdr.Type))    // e_type
	r.u16(uint16(fhdr.Machine)) // e_machine
	r.u32(uint32(fhdr.Version)) // e_version
	r.u64(fhdr.Entry)           // e_entry
	if phnum > 0 {
		r.u64(FileHeaderSize) // e_phoff
	} else {
		r.u64(0)
	}
	r.u64(uint64(r.shoff))       // e_shoff
	r.u32(0)                     // e_flags
	r.u16(FileHeaderSize)        // e_ehsize
	r.u16(ProgHeaderSize)        // e_phentsize
	r.u16(uint16(ephnum))        // e_phnum
	r.u16(uint16(shentsize))     // e_shentsize
	r.u16(uint16(shnum))         // e_shnum
	r.u16(uint16(elf.SHN_UNDEF)) // e_shstrndx

	// Sanity check, size of file header should be the same as ehsize
	if r.Err == nil && r.off != FileHeaderSize {
		r.Err = errors.New("internal error, ELF header size")
	}

	return r
}

// WriteProgramHeaders writes w.Progs at the current location, which must
// be right after the file header.
func (w *Writer) WriteProgramHeaders() {
	if w.Err != nil {
		return
	}
	if len(w.Progs) != w.phnum || w.off != FileHeaderSize {
		w.Err = fmt.Errorf("internal error, %d program headers at %#x, expected %d at %#x", len(w.Progs), w.off, w.phnum, FileHeaderSize)
		return
	}
	for _, prog := range w.Progs {
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
}

// ExtendedNumbering returns true if the number of program headers is
// stored in section header 0.
func (w *Writer) ExtendedNumbering() bool {
	return w.phnum >= PnXnum
}

// WriteExtendedNumbering writes section header 0 at the current location,
// which must be the shoff passed to New. It does nothing unless
// ExtendedNumbering is true.
func (w *Writer) WriteExtendedNumbering() {
	if w.Err != nil || !w.ExtendedNumbering() {
		return
	}
	if w.off != w.shoff {
		w.Err = fmt.Errorf("internal error, section header at %#x, expected %#x", w.off, w.shoff)
		return
	}
	w.u32(0)                     // sh_name
	w.u32(uint32(elf.SHT_NULL))  // sh_type
	w.u64(0)                     // sh_flags
	w.u64(0)                     // sh_addr
	w.u64(0)                     // sh_offset
	w.u64(1)                     // sh_size, e_shnum
	w.u32(uint32(elf.SHN_UNDEF)) // sh_link, e_shstrndx
	w.u32(uint32(w.phnum))       // sh_info, e_phnum
	w.u64(0)                     // sh_addralign
	w.u64(0)                     // sh_entsize
}

// NoteSize returns the number of bytes WriteNotes will use to write notes,
// starting at a 4 byte aligned offset.
func NoteSize(notes []Note) uint64 {
	var sz uint64
	for i := range notes {
		sz += 12 + align4(uint64(len(notes[i].Name)+1)) + align4(uint64(len(notes[i].Data)))
	}
	return sz
}

// WriteNotes writes notes to the current location, which must be 4 byte
// aligned. Note names are NUL terminated and both names and descriptors are
// padded to a multiple of 4 bytes.
func (w *Writer) WriteNotes(notes []Note) {
	if w.off%4 != 0 && w.Err == nil {
		w.Err = fmt.Errorf("internal error, notes at unaligned offset %#x", w.off)
	}
	for i := range notes {
		note := &notes[i]
		w.u32(uint32(len(note.Name) + 1))
		w.u32(uint32(len(note.Data)))
		w.u32(uint32(note.Type))
		w.Write([]byte(note.Name))
		w.Write([]byte{0})
		w.Align(4)
		w.Write(note.Data)
		w.Align(4)
	}
}

// Here returns the number of bytes written so far.
func (w *Writer) Here() int64 {
	return w.off
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	w.PadTo((w.off + (align - 1)) &^ (align - 1))
}

var zeroes [4096]byte

// PadTo writes zeroes until the current file offset is off.
func (w *Writer) PadTo(off int64) {
	if off < w.off {
		if w.Err == nil {
			w.Err = fmt.Errorf("internal error, can not pad backwards from %#x to %#x", w.off, off)
		}
		return
	}
	for w.off < off && w.Err == nil {
		n := off - w.off
		if n > int64(len(zeroes)) {
			n = int64(len(zeroes))
		}
		w.Write(zeroes[:n])
	}
}

// Write writes buf at the current location. After the first error it does
// nothing.
func (w *Writer) Write(buf []byte) {
	if w.Err != nil {
		return
	}
	n, err := w.w.Write(buf)
	w.off += int64(n)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		w.Err = err
	}
}

func (w *Writer) u16(n uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], n)
	w.Write(buf[:])
}

func (w *Writer) u32(n uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	w.Write(buf[:])
}

func (w *Writer) u64(n uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	w.Write(buf[:])
}

func align4(x uint64) uint64 {
	return (x + 3) &^ 3
}
