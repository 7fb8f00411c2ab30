package amd64util

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AMD64Xstate represents amd64 XSAVE area. See Section 13.1 (and
// following) of Intel® 64 and IA-32 Architectures Software Developer’s
// Manual, Volume 1: Basic Architecture.
type AMD64Xstate struct {
	AMD64PtraceFpRegs
	Xsave       []byte // raw xsave area
	AvxState    bool   // contains AVX state
	YmmSpace    [256]byte
	Avx512State bool // contains AVX512 state
	ZmmSpace    [512]byte
}

// AMD64PtraceFpRegs tracks user_fpregs_struct in /usr/include/x86_64-linux-gnu/sys/user.h
type AMD64PtraceFpRegs struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [256]byte
	Padding  [24]uint32
}

const (
	// FpRegsSize is the size of user_fpregs_struct, which is also the size
	// of the legacy region at the start of the XSAVE area.
	FpRegsSize = 512

	// XstateMaxSize is the size of the buffer passed to
	// PTRACE_GETREGSET(NT_X86_XSTATE), the kernel shortens it to the size
	// actually used by the CPU.
	XstateMaxSize = 16384

	_XSAVE_HEADER_START            = 512
	_XSAVE_HEADER_LEN              = 64
	_XSAVE_EXTENDED_REGION_START   = 576
	_XSAVE_AVX512_ZMM_REGION_START = 1152
)

// ParseFpRegs decodes a user_fpregs_struct as returned by PTRACE_GETFPREGS.
func ParseFpRegs(buf []byte) (*AMD64PtraceFpRegs, error) {
	if len(buf) < FpRegsSize {
		return nil, fmt.Errorf("floating point register set too short (%d bytes)", len(buf))
	}
	var fpregs AMD64PtraceFpRegs
	if err := binary.Read(bytes.NewReader(buf[:FpRegsSize]), binary.LittleEndian, &fpregs); err != nil {
		return nil, err
	}
	return &fpregs, nil
}

// MergeLegacyRegion returns a copy of the XSAVE area xsave with its legacy
// region replaced by fpregs. Depending on the kernel version (and CPU
// model) the XSAVE area returned by ptrace may not contain the x87
// registers, the ones returned by PTRACE_GETFPREGS are always valid.
// If xsave is empty an area containing only the legacy region and an empty
// XSAVE header is returned.
func MergeLegacyRegion(xsave, fpregs []byte) []byte {
	var out []byte
	if len(xsave) >= _XSAVE_EXTENDED_REGION_START {
		out = make([]byte, len(xsave))
		copy(out, xsave)
	} else {
		out = make([]byte, _XSAVE_HEADER_START+_XSAVE_HEADER_LEN)
	}
	if len(fpregs) >= FpRegsSize {
		copy(out[:FpRegsSize], fpregs[:FpRegsSize])
	}
	return out
}

// AMD64XstateRead reads a byte array containing an XSAVE area into regset.
// If readLegacy is true regset.PtraceFpRegs will be filled with the
// contents of the legacy region of the XSAVE area.
// See Section 13.1 (and following) of Intel® 64 and IA-32 Architectures
// Software Developer’s Manual, Volume 1: Basic Architecture.
func AMD64XstateRead(xstateargs []byte, readLegacy bool, regset *AMD64Xstate) error {
	if _XSAVE_HEADER_START+_XSAVE_HEADER_LEN > len(xstateargs) {
		return fmt.Errorf("XSAVE area too short (%d bytes)", len(xstateargs))
	}
	regset.Xsave = xstateargs
	if readLegacy {
		rdr := bytes.NewReader(xstateargs[:_XSAVE_HEADER_START])
		if err := binary.Read(rdr, binary.LittleEndian, &regset.AMD64PtraceFpRegs); err != nil {
			return err
		}
	}
	xsaveheader := xstateargs[_XSAVE_HEADER_START : _XSAVE_HEADER_START+_XSAVE_HEADER_LEN]
	xstate_bv := binary.LittleEndian.Uint64(xsaveheader[0:8])
	xcomp_bv := binary.LittleEndian.Uint64(xsaveheader[8:16])

	if xcomp_bv&(1<<63) != 0 {
		// compact format not supported
		return nil
	}

	if xstate_bv&(1<<2) == 0 || len(xstateargs) < _XSAVE_EXTENDED_REGION_START+len(regset.YmmSpace) {
		// AVX state not present
		return nil
	}

	regset.AvxState = true
	copy(regset.YmmSpace[:], xstateargs[_XSAVE_EXTENDED_REGION_START:])

	if xstate_bv&(1<<6) == 0 || len(xstateargs) < _XSAVE_AVX512_ZMM_REGION_START+len(regset.ZmmSpace) {
		// AVX512 state not present
		return nil
	}

	regset.Avx512State = true
	copy(regset.ZmmSpace[:], xstateargs[_XSAVE_AVX512_ZMM_REGION_START:])

	return nil
}

// Features describes the register state contained in the XSAVE area.
func (xsave *AMD64Xstate) Features() []string {
	r := []string{"x87", "sse"}
	if xsave.AvxState {
		r = append(r, "avx")
	}
	if xsave.Avx512State {
		r = append(r, "avx512")
	}
	return r
}
