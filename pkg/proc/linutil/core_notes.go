package linutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

// Note types used by Linux core files that debug/elf does not define.
const (
	NT_AUXV       elf.NType = 0x6
	NT_X86_XSTATE elf.NType = 0x202
	NT_SIGINFO    elf.NType = 0x53494749 // "SIGI"
	NT_FILE       elf.NType = 0x46494c45 // "FILE"
)

// SiginfoSize is the size of siginfo_t.
const SiginfoSize = 128

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

// linuxSiginfo is the elf_siginfo kernel struct embedded in prstatus.
type linuxSiginfo struct {
	Signo int32
	Code  int32
	Errno int32
}

type linuxTimeval struct {
	Sec, Usec int64
}

// linuxPrStatusHeader is the part of elf_prstatus that precedes the
// register set, its layout is the same on every 64bit architecture.
type linuxPrStatusHeader struct {
	Siginfo                      linuxSiginfo
	Cursig                       uint16
	_                            [2]uint8
	Sigpend                      uint64
	Sighold                      uint64
	Pid, Ppid, Pgrp, Sid         int32
	Utime, Stime, CUtime, CStime linuxTimeval
}

// PrStatusSize returns the size of the NT_PRSTATUS descriptor for a
// register set of regsSize bytes.
func PrStatusSize(regsSize int) int {
	return binary.Size(linuxPrStatusHeader{}) + regsSize + 8
}

// EncodePrStatus returns the NT_PRSTATUS descriptor of th. The register set
// of th must be exactly regsSize bytes long.
func EncodePrStatus(th *proc.Thread, info *proc.ProcessInfo, regsSize int) ([]byte, error) {
	if len(th.Regs) != regsSize {
		return nil, fmt.Errorf("thread %d: register set is %d bytes, expected %d", th.Tid, len(th.Regs), regsSize)
	}
	hdr := linuxPrStatusHeader{
		Siginfo: linuxSiginfo{Signo: th.SigInfo.Signo, Code: th.SigInfo.Code, Errno: th.SigInfo.Errno},
		Cursig:  uint16(th.SigInfo.Signo),
		Pid:     int32(th.Tid),
		Ppid:    int32(info.Ppid),
		Pgrp:    int32(info.Pgrp),
		Sid:     int32(info.Sid),
		Utime:   timeval(th.UserTime),
		Stime:   timeval(th.SystemTime),
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, &hdr)
	buf.Write(th.Regs)
	var fpvalid int64
	if th.FPRegs != nil {
		fpvalid = 1
	}
	_ = binary.Write(buf, binary.LittleEndian, fpvalid)
	return buf.Bytes(), nil
}

func timeval(d time.Duration) linuxTimeval {
	return linuxTimeval{Sec: int64(d / time.Second), Usec: int64((d % time.Second) / time.Microsecond)}
}

// EncodePrPsInfo returns the NT_PRPSINFO descriptor for info.
func EncodePrPsInfo(info *proc.ProcessInfo) []byte {
	prpsinfo := linuxPrPsInfo{
		Nice: int8(info.Nice),
		Uid:  info.Uid,
		Gid:  info.Gid,
		Pid:  int32(info.Pid),
		Ppid: int32(info.Ppid),
		Pgrp: int32(info.Pgrp),
		Sid:  int32(info.Sid),
	}

	const states = "RSDTZW"
	state := info.State
	if state == 't' {
		state = 'T'
	}
	if i := strings.IndexByte(states, state); i >= 0 {
		prpsinfo.State = uint8(i)
		prpsinfo.Sname = int8(state)
	} else {
		prpsinfo.Sname = '.'
	}
	if state == 'Z' {
		prpsinfo.Zomb = 1
	}

	fname := info.Comm
	if len(fname) > len(prpsinfo.Fname)-1 {
		fname = fname[:len(prpsinfo.Fname)-1]
	}
	copy(prpsinfo.Fname[:], fname)

	args := strings.Join(info.Args, " ")
	if len(args) > len(prpsinfo.Args)-1 {
		args = args[:len(prpsinfo.Args)-1]
	}
	copy(prpsinfo.Args[:], args)

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, &prpsinfo)
	return buf.Bytes()
}

// ParseSiginfo decodes a siginfo_t as returned by PTRACE_GETSIGINFO.
func ParseSiginfo(raw []byte) proc.SigInfo {
	si := proc.SigInfo{Raw: append([]byte(nil), raw...)}
	if len(raw) < 24 {
		return si
	}
	si.Signo = int32(binary.LittleEndian.Uint32(raw[0:]))
	si.Errno = int32(binary.LittleEndian.Uint32(raw[4:]))
	si.Code = int32(binary.LittleEndian.Uint32(raw[8:]))
	switch si.Signo {
	case 4, 5, 7, 8, 11: // SIGILL, SIGTRAP, SIGBUS, SIGFPE, SIGSEGV
		si.Addr = binary.LittleEndian.Uint64(raw[16:])
	}
	return si
}

// EncodeSiginfo returns the NT_SIGINFO descriptor for si. The raw
// siginfo_t is used when available, otherwise one is synthesized from the
// decoded fields.
func EncodeSiginfo(si *proc.SigInfo) []byte {
	out := make([]byte, SiginfoSize)
	if len(si.Raw) == SiginfoSize {
		copy(out, si.Raw)
		return out
	}
	binary.LittleEndian.PutUint32(out[0:], uint32(si.Signo))
	binary.LittleEndian.PutUint32(out[4:], uint32(si.Errno))
	binary.LittleEndian.PutUint32(out[8:], uint32(si.Code))
	binary.LittleEndian.PutUint64(out[16:], si.Addr)
	return out
}

// EncodeFileNote returns the NT_FILE descriptor listing the file backed
// mappings of mappings, or nil if there are none. Layout:
//
//	count, page_size
//	count * {start, end, file_ofs} (file_ofs in pages)
//	count * NUL terminated path
func EncodeFileNote(mappings []proc.MemoryMapping, pageSize uint64) []byte {
	var files []*proc.MemoryMapping
	for i := range mappings {
		if mappings[i].FileBacked() {
			files = append(files, &mappings[i])
		}
	}
	if len(files) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(files)))
	_ = binary.Write(buf, binary.LittleEndian, pageSize)
	for _, m := range files {
		_ = binary.Write(buf, binary.LittleEndian, [3]uint64{m.Start, m.End, m.Offset / pageSize})
	}
	for _, m := range files {
		buf.WriteString(m.Path)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
