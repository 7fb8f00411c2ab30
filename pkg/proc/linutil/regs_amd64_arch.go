package linutil

import (
	"bytes"
	"encoding/binary"
)

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// AMD64RegsSize is the size of elf_gregset_t on amd64.
const AMD64RegsSize = 27 * 8

// Bytes returns the registers in elf_gregset_t layout.
func (r *AMD64PtraceRegs) Bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes()
}

// PC returns the value of RIP register.
func (r *AMD64PtraceRegs) PC() uint64 {
	return r.Rip
}

// SP returns the value of RSP register.
func (r *AMD64PtraceRegs) SP() uint64 {
	return r.Rsp
}
