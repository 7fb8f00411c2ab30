package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/go-elfcore/elfcore/pkg/elfwriter"
	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

func TestSplicedReader(t *testing.T) {
	data := []byte{}
	data2 := []byte{}
	for i := 0; i < 100; i++ {
		data = append(data, byte(i))
		data2 = append(data2, byte(i+100))
	}

	type region struct {
		data   []byte
		off    uint64
		length uint64
	}
	tests := []struct {
		name     string
		regions  []region
		readAddr uint64
		readLen  int
		want     []byte
	}{
		{
			"Insert after",
			[]region{
				{data, 0, 1},
				{data2, 1, 1},
			},
			0,
			2,
			[]byte{0, 101},
		},
		{
			"Insert before",
			[]region{
				{data, 1, 1},
				{data2, 0, 1},
			},
			0,
			2,
			[]byte{100, 1},
		},
		{
			"Completely overwrite",
			[]region{
				{data, 1, 1},
				{data2, 0, 3},
			},
			0,
			3,
			[]byte{100, 101, 102},
		},
		{
			"Overwrite end",
			[]region{
				{data, 0, 2},
				{data2, 1, 2},
			},
			0,
			3,
			[]byte{0, 101, 102},
		},
		{
			"Overwrite start",
			[]region{
				{data, 0, 3},
				{data2, 0, 2},
			},
			0,
			3,
			[]byte{100, 101, 2},
		},
		{
			"Punch hole",
			[]region{
				{data, 0, 5},
				{data2, 1, 3},
			},
			0,
			5,
			[]byte{0, 101, 102, 103, 4},
		},
		{
			"Overlap two",
			[]region{
				{data, 10, 4},
				{data, 14, 4},
				{data2, 12, 4},
			},
			10,
			8,
			[]byte{10, 11, 112, 113, 114, 115, 16, 17},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mem := &splicedMemory{}
			for _, region := range test.regions {
				r := bytes.NewReader(region.data)
				mem.Add(&offsetReaderAt{r, 0}, region.off, region.length)
			}
			got := make([]byte, test.readLen)
			n, err := mem.ReadMemory(got, test.readAddr)
			if n != test.readLen || err != nil || !reflect.DeepEqual(got, test.want) {
				t.Errorf("ReadAt = %v, %v, %v, want %v, %v, %v", n, err, got, test.readLen, nil, test.want)
			}
		})
	}
}

func TestSplicedReaderGap(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	mem := &splicedMemory{}
	mem.Add(&offsetReaderAt{bytes.NewReader(data), 0}, 0, 2)
	mem.Add(&offsetReaderAt{bytes.NewReader(data), 0}, 4, 2)

	buf := make([]byte, 6)
	n, err := mem.ReadMemory(buf, 0)
	if n != 2 || err != nil {
		t.Errorf("read across gap = %d, %v", n, err)
	}
	if _, err := mem.ReadMemory(buf[:1], 3); !errors.Is(err, proc.ErrUnreadableMemory) {
		t.Errorf("read inside gap: %v", err)
	}
	n, err = mem.ReadMemory(buf[:4], 4)
	if n != 2 || err != nil || !bytes.Equal(buf[:2], []byte{4, 5}) {
		t.Errorf("read at end = %d, %v, %v", n, err, buf[:2])
	}
}

type testLoad struct {
	vaddr uint64
	data  []byte
	memsz uint64
}

// writeTestCore assembles a core file out of notes and loads.
func writeTestCore(t *testing.T, machine elf.Machine, notes []elfwriter.Note, loads []testLoad) []byte {
	t.Helper()
	fhdr := &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		Type:    elf.ET_CORE,
		Machine: machine,
	}
	phnum := 1 + len(loads)
	off := uint64(elfwriter.FileHeaderSize + phnum*elfwriter.ProgHeaderSize)
	progs := []*elf.ProgHeader{{Type: elf.PT_NOTE, Off: off, Filesz: elfwriter.NoteSize(notes), Align: 4}}
	off = (off + progs[0].Filesz + 4095) &^ 4095
	for _, load := range loads {
		progs = append(progs, &elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R, Off: off, Vaddr: load.vaddr, Filesz: uint64(len(load.data)), Memsz: load.memsz, Align: 4096})
		off += uint64(len(load.data))
	}

	var buf bytes.Buffer
	w := elfwriter.New(&buf, fhdr, phnum, 0)
	w.Progs = progs
	w.WriteProgramHeaders()
	w.WriteNotes(notes)
	for i, load := range loads {
		w.PadTo(int64(progs[i+1].Off))
		w.Write(load.data)
	}
	if w.Err != nil {
		t.Fatal(w.Err)
	}
	return buf.Bytes()
}

func testNotes(t *testing.T) []elfwriter.Note {
	t.Helper()
	info := &proc.ProcessInfo{Pid: 100, Ppid: 1, Pgrp: 100, Sid: 90, Uid: 1000, Gid: 1001, Nice: 2, State: 't', Comm: "prog", Args: []string{"/bin/prog", "-x"}}
	regs := linutil.AMD64PtraceRegs{Rip: 0x401000, Rsp: 0x7ffc0000}
	threads := []proc.Thread{
		{Tid: 100, Regs: regs.Bytes(), FPRegs: make([]byte, 512), SigInfo: proc.SigInfo{Signo: 19}, UserTime: 1500 * time.Millisecond},
		{Tid: 101, Regs: make([]byte, linutil.AMD64RegsSize), SigInfo: proc.SigInfo{Signo: 11, Addr: 0xdead}},
	}
	mappings := []proc.MemoryMapping{
		{Start: 0x400000, End: 0x402000, Perm: proc.PermRead | proc.PermExec, Path: "/bin/prog", Offset: 0x1000, Inode: 7},
	}
	auxv := []proc.AuxvEntry{{Tag: 6, Val: 4096}, {Tag: 9, Val: 0x401000}} // AT_PAGESZ, AT_ENTRY

	notes := []elfwriter.Note{
		{Type: elf.NT_PRPSINFO, Name: elfwriter.CoreNoteName, Data: linutil.EncodePrPsInfo(info)},
		{Type: linutil.NT_AUXV, Name: elfwriter.CoreNoteName, Data: linutil.EncodeAuxv(auxv, 8)},
		{Type: linutil.NT_FILE, Name: elfwriter.CoreNoteName, Data: linutil.EncodeFileNote(mappings, 4096)},
	}
	for i := range threads {
		th := &threads[i]
		prstatus, err := linutil.EncodePrStatus(th, info, linutil.AMD64RegsSize)
		if err != nil {
			t.Fatal(err)
		}
		notes = append(notes, elfwriter.Note{Type: elf.NT_PRSTATUS, Name: elfwriter.CoreNoteName, Data: prstatus})
		if th.FPRegs != nil {
			notes = append(notes, elfwriter.Note{Type: elf.NT_FPREGSET, Name: elfwriter.CoreNoteName, Data: th.FPRegs})
		}
		notes = append(notes, elfwriter.Note{Type: linutil.NT_SIGINFO, Name: elfwriter.CoreNoteName, Data: linutil.EncodeSiginfo(&th.SigInfo)})
	}
	return append(notes, elfwriter.Note{Type: 100, Name: "TEST", Data: []byte("hello")})
}

func TestReadCore(t *testing.T) {
	page := bytes.Repeat([]byte{0xaa}, 4096)
	buf := writeTestCore(t, elf.EM_X86_64, testNotes(t), []testLoad{
		{vaddr: 0x400000, data: page, memsz: 0x2000},
		{vaddr: 0x600000, data: nil, memsz: 0x1000},
	})

	c, err := Read(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if len(c.Notes) != 9 {
		t.Fatalf("got %d notes", len(c.Notes))
	}
	custom := c.FindNotes("TEST", 100)
	if len(custom) != 1 || string(custom[0].Desc) != "hello" {
		t.Errorf("custom note = %v", custom)
	}

	info, err := c.ProcessInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Pid != 100 || info.Ppid != 1 || info.Sid != 90 || info.Uid != 1000 || info.Gid != 1001 || info.Nice != 2 {
		t.Errorf("bad process info %#v", info)
	}
	if info.State != 'T' || info.Fname != "prog" || info.Args != "/bin/prog -x" {
		t.Errorf("bad process info %#v", info)
	}

	threads, err := c.Threads()
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads", len(threads))
	}
	th := threads[0]
	if th.Pid != 100 || th.Signo != 19 || th.PC != 0x401000 || th.SP != 0x7ffc0000 || !th.FPValid || len(th.FPRegs) != 512 {
		t.Errorf("bad leader %#v", th)
	}
	if th.UserTime != 1500*time.Millisecond {
		t.Errorf("user time = %v", th.UserTime)
	}
	if th := threads[1]; th.Pid != 101 || th.FPValid || th.FPRegs != nil || th.SigInfo == nil || th.SigInfo.Addr != 0xdead {
		t.Errorf("bad thread %#v", th)
	}

	files, err := c.Files()
	if err != nil {
		t.Fatal(err)
	}
	want := []FileMapping{{Start: 0x400000, End: 0x402000, Offset: 0x1000, Path: "/bin/prog"}}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("Files() = %#v", files)
	}

	auxv, err := c.Auxv()
	if err != nil {
		t.Fatal(err)
	}
	if linutil.PageSizeFromAuxv(auxv) != 4096 {
		t.Errorf("bad auxv %v", auxv)
	}

	if segs := c.Segments(); len(segs) != 2 || segs[1].Filesz != 0 || segs[1].Memsz != 0x1000 {
		t.Errorf("bad segments %v", segs)
	}

	got := make([]byte, 0x2000)
	n, err := c.ReadMemory(got, 0x400000)
	if n != 4096 || err != nil || !bytes.Equal(got[:n], page) {
		t.Errorf("ReadMemory = %d, %v", n, err)
	}
	if _, err := c.ReadMemory(got[:16], 0x600000); !errors.Is(err, proc.ErrUnreadableMemory) {
		t.Errorf("reading segment without contents: %v", err)
	}
}

func TestReadMissingNotes(t *testing.T) {
	buf := writeTestCore(t, elf.EM_AARCH64, nil, nil)
	c, err := Read(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProcessInfo(); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("ProcessInfo: %v", err)
	}
	if _, err := c.Files(); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("Files: %v", err)
	}
	threads, err := c.Threads()
	if err != nil || len(threads) != 0 {
		t.Errorf("Threads = %v, %v", threads, err)
	}
}

func TestReadUnrecognized(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte("definitely not an ELF file, just some text"))); !errors.Is(err, ErrUnrecognizedFormat) {
		t.Errorf("text file: %v", err)
	}

	buf := writeTestCore(t, elf.EM_X86_64, nil, nil)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	if _, err := Read(bytes.NewReader(buf)); !errors.Is(err, ErrUnrecognizedFormat) {
		t.Errorf("executable: %v", err)
	}
}

func TestOpenCompressed(t *testing.T) {
	buf := writeTestCore(t, elf.EM_X86_64, testNotes(t), []testLoad{{vaddr: 0x10000, data: []byte{1, 2, 3, 4}, memsz: 0x1000}})
	dir := t.TempDir()

	plain := filepath.Join(dir, "core")
	if err := os.WriteFile(plain, buf, 0o600); err != nil {
		t.Fatal(err)
	}

	var zbuf bytes.Buffer
	enc, err := zstd.NewWriter(&zbuf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	compressed := filepath.Join(dir, "core.zst")
	if err := os.WriteFile(compressed, zbuf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{plain, compressed} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			c, err := Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			if len(c.Notes) != 9 {
				t.Errorf("got %d notes", len(c.Notes))
			}
			got := make([]byte, 4)
			if n, err := c.ReadMemory(got, 0x10000); n != 4 || err != nil || !bytes.Equal(got, []byte{1, 2, 3, 4}) {
				t.Errorf("ReadMemory = %d, %v, %v", n, err, got)
			}
		})
	}
}
