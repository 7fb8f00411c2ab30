package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

// Copied from golang.org/x/sys/unix.Timeval since it's not available on all
// systems.
type linuxCoreTimeval struct {
	Sec  int64
	Usec int64
}

func (tv linuxCoreTimeval) duration() time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// ErrNoteNotFound is returned by the decoders of Core when the core file
// does not contain the note they decode.
var ErrNoteNotFound = errors.New("note not found")

// Note is a note from the PT_NOTE prog. Name does not include the
// terminating NUL, Desc is the raw descriptor.
type Note struct {
	Type elf.NType
	Name string
	Desc []byte
}

// readNotes reads all the notes from the notes prog in core.
func readNotes(core *elf.File) ([]*Note, error) {
	var notesProg *elf.Prog
	for _, prog := range core.Progs {
		if prog.Type == elf.PT_NOTE {
			notesProg = prog
			break
		}
	}
	if notesProg == nil {
		return nil, nil
	}

	r := notesProg.Open()
	notes := []*Note{}
	for {
		note, err := readNote(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}

	return notes, nil
}

// readNote reads a single note from r.
func readNote(r io.ReadSeeker) (*Note, error) {
	// Notes are laid out as described in the SysV ABI:
	// http://www.sco.com/developers/gabi/latest/ch5.pheader.html#note_section
	note := &Note{}
	hdr := &elfNotesHdr{}

	err := binary.Read(r, binary.LittleEndian, hdr)
	if err != nil {
		return nil, err // don't wrap so readNotes sees EOF.
	}
	note.Type = elf.NType(hdr.Type)

	name := make([]byte, hdr.Namesz)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("reading name: %v", err)
	}
	note.Name = strings.TrimRight(string(name), "\x00")
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after name: %v", err)
	}
	note.Desc = make([]byte, hdr.Descsz)
	if _, err := io.ReadFull(r, note.Desc); err != nil {
		return nil, fmt.Errorf("reading desc: %v", err)
	}
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after desc: %v", err)
	}
	return note, nil
}

// skipPadding moves r to the next multiple of pad.
func skipPadding(r io.ReadSeeker, pad int64) error {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos%pad == 0 {
		return nil
	}
	if _, err := r.Seek(pad-(pos%pad), io.SeekCurrent); err != nil {
		return err
	}
	return nil
}

// FindNotes returns the notes with the given owner name and type, in file
// order.
func (c *Core) FindNotes(name string, typ elf.NType) []*Note {
	var r []*Note
	for _, note := range c.Notes {
		if note.Name == name && note.Type == typ {
			r = append(r, note)
		}
	}
	return r
}

func (c *Core) findNote(name string, typ elf.NType) (*Note, error) {
	notes := c.FindNotes(name, typ)
	if len(notes) == 0 {
		return nil, fmt.Errorf("%w: %s/%v", ErrNoteNotFound, name, typ)
	}
	return notes[0], nil
}

// ProcessInfo is the decoded NT_PRPSINFO note.
type ProcessInfo struct {
	State                byte // state letter
	Zombie               bool
	Nice                 int
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int
	Fname                string
	Args                 string
}

// ProcessInfo decodes the NT_PRPSINFO note.
func (c *Core) ProcessInfo() (*ProcessInfo, error) {
	note, err := c.findNote("CORE", elf.NT_PRPSINFO)
	if err != nil {
		return nil, err
	}
	var prpsinfo linuxPrPsInfo
	if err := binary.Read(bytes.NewReader(note.Desc), binary.LittleEndian, &prpsinfo); err != nil {
		return nil, fmt.Errorf("reading NT_PRPSINFO: %v", err)
	}
	return &ProcessInfo{
		State:  byte(prpsinfo.Sname),
		Zombie: prpsinfo.Zomb != 0,
		Nice:   int(prpsinfo.Nice),
		Uid:    prpsinfo.Uid,
		Gid:    prpsinfo.Gid,
		Pid:    int(prpsinfo.Pid),
		Ppid:   int(prpsinfo.Ppid),
		Pgrp:   int(prpsinfo.Pgrp),
		Sid:    int(prpsinfo.Sid),
		Fname:  cstring(prpsinfo.Fname[:]),
		Args:   cstring(prpsinfo.Args[:]),
	}, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Thread is a thread of the process, decoded from its NT_PRSTATUS note
// and the thread notes that follow it.
type Thread struct {
	Pid                  int
	Ppid, Pgrp, Sid      int
	Signo                int
	Cursig               int
	UserTime, SystemTime time.Duration

	// Regs is the register set in elf_gregset_t layout.
	Regs    []byte
	PC, SP  uint64
	FPValid bool

	FPRegs  []byte
	XState  []byte
	SigInfo *proc.SigInfo
}

// Threads decodes the NT_PRSTATUS notes and associates each with the
// NT_FPREGSET, NT_X86_XSTATE and NT_SIGINFO notes that follow it.
func (c *Core) Threads() ([]*Thread, error) {
	var regsSize int
	switch c.File.Machine {
	case elf.EM_X86_64:
		regsSize = linutil.AMD64RegsSize
	case elf.EM_AARCH64:
		regsSize = linutil.ARM64RegsSize
	default:
		return nil, fmt.Errorf("%w: %v", proc.ErrUnsupportedArch, c.File.Machine)
	}

	var threads []*Thread
	var last *Thread
	for _, note := range c.Notes {
		switch {
		case note.Type == elf.NT_PRSTATUS && note.Name == "CORE":
			th, err := decodePrStatus(note.Desc, c.File.Machine, regsSize)
			if err != nil {
				return nil, err
			}
			threads = append(threads, th)
			last = th
		case last == nil:
			// Process notes precede the first thread.
		case note.Type == elf.NT_FPREGSET && note.Name == "CORE":
			last.FPRegs = note.Desc
		case note.Type == linutil.NT_X86_XSTATE && note.Name == "LINUX":
			last.XState = note.Desc
		case note.Type == linutil.NT_SIGINFO && note.Name == "CORE":
			si := linutil.ParseSiginfo(note.Desc)
			last.SigInfo = &si
		}
	}
	return threads, nil
}

func decodePrStatus(desc []byte, machine elf.Machine, regsSize int) (*Thread, error) {
	var hdr linuxPrStatusHeader
	hdrSize := binary.Size(hdr)
	if len(desc) < hdrSize+regsSize+4 {
		return nil, fmt.Errorf("reading NT_PRSTATUS: descriptor is %d bytes, expected %d", len(desc), hdrSize+regsSize+8)
	}
	if err := binary.Read(bytes.NewReader(desc), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading NT_PRSTATUS: %v", err)
	}
	th := &Thread{
		Pid:        int(hdr.Pid),
		Ppid:       int(hdr.Ppid),
		Pgrp:       int(hdr.Pgrp),
		Sid:        int(hdr.Sid),
		Signo:      int(hdr.Siginfo.Signo),
		Cursig:     int(hdr.Cursig),
		UserTime:   hdr.Utime.duration(),
		SystemTime: hdr.Stime.duration(),
		Regs:       desc[hdrSize : hdrSize+regsSize],
		FPValid:    binary.LittleEndian.Uint32(desc[hdrSize+regsSize:]) != 0,
	}
	rdr := bytes.NewReader(th.Regs)
	switch machine {
	case elf.EM_X86_64:
		var regs linutil.AMD64PtraceRegs
		if err := binary.Read(rdr, binary.LittleEndian, &regs); err != nil {
			return nil, err
		}
		th.PC, th.SP = regs.PC(), regs.SP()
	case elf.EM_AARCH64:
		var regs linutil.ARM64PtraceRegs
		if err := binary.Read(rdr, binary.LittleEndian, &regs); err != nil {
			return nil, err
		}
		th.PC, th.SP = regs.PC(), regs.SP()
	}
	return th, nil
}

// FileMapping is an entry of the NT_FILE note.
type FileMapping struct {
	Start, End uint64
	Offset     uint64 // in bytes
	Path       string
}

// Files decodes the NT_FILE note.
func (c *Core) Files() ([]FileMapping, error) {
	note, err := c.findNote("CORE", linutil.NT_FILE)
	if err != nil {
		return nil, err
	}
	// No good documentation reference, but the structure is simply a
	// header, including entry count, followed by that many entries, and
	// then the file name of each entry, null-delimited.
	descReader := bytes.NewReader(note.Desc)
	var hdr linuxNTFileHdr
	if err := binary.Read(descReader, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading NT_FILE header: %v", err)
	}
	if hdr.Count > uint64(len(note.Desc))/uint64(binary.Size(linuxNTFileEntry{})) {
		return nil, fmt.Errorf("reading NT_FILE header: bad entry count %d", hdr.Count)
	}
	files := make([]FileMapping, hdr.Count)
	for i := range files {
		var entry linuxNTFileEntry
		if err := binary.Read(descReader, binary.LittleEndian, &entry); err != nil {
			return nil, fmt.Errorf("reading NT_FILE entry %v: %v", i, err)
		}
		files[i] = FileMapping{Start: entry.Start, End: entry.End, Offset: entry.FileOfs * hdr.PageSize}
	}
	names, err := io.ReadAll(descReader)
	if err != nil {
		return nil, err
	}
	for i := range files {
		j := bytes.IndexByte(names, 0)
		if j < 0 {
			return nil, fmt.Errorf("reading NT_FILE entry %v: missing file name", i)
		}
		files[i].Path = string(names[:j])
		names = names[j+1:]
	}
	return files, nil
}

// Auxv decodes the NT_AUXV note.
func (c *Core) Auxv() ([]proc.AuxvEntry, error) {
	note, err := c.findNote("CORE", linutil.NT_AUXV)
	if err != nil {
		return nil, err
	}
	return linutil.ParseAuxv(note.Desc, 8)
}

// See http://lxr.free-electrons.com/source/include/uapi/linux/elfcore.h
type linuxPrPsInfo struct {
	State                uint8
	Sname                int8
	Zomb                 uint8
	Nice                 int8
	_                    [4]uint8
	Flag                 uint64
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int32
	Fname                [16]uint8
	Args                 [80]uint8
}

// linuxPrStatusHeader is the part of the prstatus kernel struct that
// precedes the registers.
type linuxPrStatusHeader struct {
	Siginfo                      linuxSiginfo
	Cursig                       uint16
	_                            [2]uint8
	Sigpend                      uint64
	Sighold                      uint64
	Pid, Ppid, Pgrp, Sid         int32
	Utime, Stime, CUtime, CStime linuxCoreTimeval
}

// LinuxSiginfo is a copy of the
// siginfo kernel struct.
type linuxSiginfo struct {
	Signo int32
	Code  int32
	Errno int32
}

// LinuxNTFileHdr is a header struct for NTFile.
type linuxNTFileHdr struct {
	Count    uint64
	PageSize uint64
}

// LinuxNTFileEntry is an entry of an NT_FILE note.
type linuxNTFileEntry struct {
	Start   uint64
	End     uint64
	FileOfs uint64
}

// elfNotesHdr is the ELF Notes header.
// Same size on 64 and 32-bit machines.
type elfNotesHdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}
