package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func testHeader() *elf.FileHeader {
	return &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		OSABI:   elf.ELFOSABI_NONE,
		Type:    elf.ET_CORE,
		Machine: elf.EM_X86_64,
	}
}

func TestWriteCore(t *testing.T) {
	notes := []Note{
		{Type: elf.NT_PRPSINFO, Name: CoreNoteName, Data: []byte{1, 2, 3, 4, 5}},
		{Type: 0x202, Name: LinuxNoteName, Data: []byte{6, 7, 8}},
	}
	notesz := NoteSize(notes)
	// 12 + 8 ("CORE\0" padded) + 8, 12 + 8 ("LINUX\0" padded) + 4
	if notesz != 28+24 {
		t.Fatalf("NoteSize = %d", notesz)
	}
	noteOff := uint64(FileHeaderSize + 2*ProgHeaderSize)
	loadOff := uint64(4096)
	payload := bytes.Repeat([]byte{0xab}, 100)

	var buf bytes.Buffer
	w := New(&buf, testHeader(), 2, 0)
	w.Progs = []*elf.ProgHeader{
		{Type: elf.PT_NOTE, Off: noteOff, Filesz: notesz, Align: 4},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Off: loadOff, Vaddr: 0x10000, Filesz: 100, Memsz: 4096, Align: 4096},
	}
	w.WriteProgramHeaders()
	if w.Here() != int64(noteOff) {
		t.Fatalf("program headers end at %#x", w.Here())
	}
	w.WriteNotes(notes)
	if w.Here() != int64(noteOff+notesz) {
		t.Fatalf("notes end at %#x, expected %#x", w.Here(), noteOff+notesz)
	}
	w.PadTo(int64(loadOff))
	w.Write(payload)
	if w.Err != nil {
		t.Fatal(w.Err)
	}
	if w.Here() != int64(buf.Len()) {
		t.Fatalf("Here() = %d, wrote %d", w.Here(), buf.Len())
	}

	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != elf.ET_CORE || f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		t.Errorf("bad file header %#v", f.FileHeader)
	}
	if len(f.Progs) != 2 {
		t.Fatalf("got %d program headers", len(f.Progs))
	}
	load := f.Progs[1]
	if load.Type != elf.PT_LOAD || load.Vaddr != 0x10000 || load.Memsz != 4096 || load.Filesz != 100 {
		t.Errorf("bad load segment %#v", load.ProgHeader)
	}
	got, err := io.ReadAll(load.Open())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch")
	}

	raw := buf.Bytes()[noteOff:]
	namesz, descsz, typ := binary.LittleEndian.Uint32(raw), binary.LittleEndian.Uint32(raw[4:]), binary.LittleEndian.Uint32(raw[8:])
	if namesz != 5 || descsz != 5 || elf.NType(typ) != elf.NT_PRPSINFO {
		t.Errorf("bad first note header %d %d %d", namesz, descsz, typ)
	}
	if string(raw[12:17]) != "CORE\x00" || !bytes.Equal(raw[20:25], notes[0].Data) {
		t.Errorf("bad first note %q", raw[12:28])
	}
	raw = raw[28:]
	if namesz := binary.LittleEndian.Uint32(raw); namesz != 6 || string(raw[12:18]) != "LINUX\x00" {
		t.Errorf("bad second note %q", raw[:24])
	}
}

func TestWriteUnsupported(t *testing.T) {
	hdr := testHeader()
	hdr.Class = elf.ELFCLASS32
	w := New(io.Discard, hdr, 1, 0)
	if !errors.Is(w.Err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", w.Err)
	}
}

type failingWriter struct {
	n int
}

var errSink = errors.New("disk full")

func (fw *failingWriter) Write(buf []byte) (int, error) {
	if fw.n < len(buf) {
		n := fw.n
		fw.n = 0
		return n, errSink
	}
	fw.n -= len(buf)
	return len(buf), nil
}

func TestWriteStickyError(t *testing.T) {
	fw := &failingWriter{n: 70}
	w := New(fw, testHeader(), 1, 0)
	w.Progs = []*elf.ProgHeader{{Type: elf.PT_NOTE}}
	w.WriteProgramHeaders()
	w.Write([]byte{1, 2, 3})
	if !errors.Is(w.Err, errSink) {
		t.Fatalf("expected sink error, got %v", w.Err)
	}
	if w.Here() != 70 {
		t.Errorf("Here() = %d after failure, expected 70", w.Here())
	}

	w = New(io.Discard, testHeader(), 2, 0)
	w.Progs = []*elf.ProgHeader{{Type: elf.PT_NOTE}}
	w.WriteProgramHeaders()
	if w.Err == nil {
		t.Errorf("wrong number of program headers accepted")
	}
}

func TestWriteExtendedNumbering(t *testing.T) {
	const phnum = PnXnum + 2
	loadOff := int64(FileHeaderSize + phnum*ProgHeaderSize)
	shoff := loadOff + 8

	var buf bytes.Buffer
	w := New(&buf, testHeader(), phnum, shoff)
	if !w.ExtendedNumbering() {
		t.Fatal("extended numbering not used")
	}
	w.Progs = make([]*elf.ProgHeader, phnum)
	for i := range w.Progs {
		w.Progs[i] = &elf.ProgHeader{Type: elf.PT_NULL}
	}
	w.Progs[phnum-1] = &elf.ProgHeader{Type: elf.PT_LOAD, Off: uint64(loadOff), Vaddr: 0x10000, Filesz: 8, Memsz: 4096, Align: 4096}
	w.WriteProgramHeaders()
	w.Write([]byte("contents"))
	w.WriteExtendedNumbering()
	if w.Err != nil {
		t.Fatal(w.Err)
	}
	if w.Here() != shoff+SectionHeaderSize {
		t.Fatalf("Here() = %#x, expected %#x", w.Here(), shoff+SectionHeaderSize)
	}

	raw := buf.Bytes()
	if got := binary.LittleEndian.Uint64(raw[40:]); got != uint64(shoff) {
		t.Errorf("e_shoff = %#x", got)
	}
	if phnum, shentsize, shnum := binary.LittleEndian.Uint16(raw[56:]), binary.LittleEndian.Uint16(raw[58:]), binary.LittleEndian.Uint16(raw[60:]); phnum != PnXnum || shentsize != SectionHeaderSize || shnum != 1 {
		t.Errorf("e_phnum %#x, e_shentsize %d, e_shnum %d", phnum, shentsize, shnum)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Progs) != PnXnum {
		t.Errorf("debug/elf read %d program headers", len(f.Progs))
	}
	if len(f.Sections) != 1 {
		t.Fatalf("got %d sections", len(f.Sections))
	}
	sh := f.Sections[0]
	if sh.Type != elf.SHT_NULL || sh.Info != phnum || sh.Size != 1 || sh.Link != uint32(elf.SHN_UNDEF) {
		t.Errorf("bad section header 0 %#v", sh.SectionHeader)
	}
}

func TestWriteExtendedNumberingErrors(t *testing.T) {
	// Section header inside the program header table.
	w := New(io.Discard, testHeader(), PnXnum, FileHeaderSize)
	if w.Err == nil {
		t.Errorf("overlapping section header accepted")
	}

	// Section header written at the wrong offset.
	w = New(io.Discard, testHeader(), PnXnum, FileHeaderSize+PnXnum*ProgHeaderSize+100)
	w.Progs = make([]*elf.ProgHeader, PnXnum)
	for i := range w.Progs {
		w.Progs[i] = &elf.ProgHeader{Type: elf.PT_NULL}
	}
	w.WriteProgramHeaders()
	w.WriteExtendedNumbering()
	if w.Err == nil {
		t.Errorf("misplaced section header accepted")
	}

	// Files with few program headers have no section header.
	var buf bytes.Buffer
	w = New(&buf, testHeader(), 1, 0)
	w.Progs = []*elf.ProgHeader{{Type: elf.PT_NOTE}}
	w.WriteProgramHeaders()
	w.WriteExtendedNumbering()
	if w.Err != nil || w.ExtendedNumbering() || buf.Len() != FileHeaderSize+ProgHeaderSize {
		t.Errorf("unexpected section header, wrote %d bytes, err %v", buf.Len(), w.Err)
	}

	if ValidPhnum(-1) || !ValidPhnum(PnXnum) {
		t.Errorf("ValidPhnum")
	}
	w = New(io.Discard, testHeader(), -1, 0)
	if !errors.Is(w.Err, ErrTooManyProgs) {
		t.Errorf("expected ErrTooManyProgs, got %v", w.Err)
	}
}
