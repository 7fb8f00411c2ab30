package linutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

const (
	_AT_NULL   = 0
	_AT_PAGESZ = 6
	_AT_ENTRY  = 9
)

// ParseAuxv decodes the elf auxiliary vector, as found in
// /proc/<pid>/auxv, up to and excluding the AT_NULL terminator.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
func ParseAuxv(auxv []byte, ptrSize int) ([]proc.AuxvEntry, error) {
	rd := bytes.NewReader(auxv)
	var r []proc.AuxvEntry

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err == io.EOF {
			return r, nil
		}
		if err != nil {
			return r, fmt.Errorf("malformed auxiliary vector: %v", err)
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r, fmt.Errorf("malformed auxiliary vector: %v", err)
		}
		if tag == _AT_NULL {
			return r, nil
		}
		r = append(r, proc.AuxvEntry{Tag: tag, Val: val})
	}
}

// EncodeAuxv encodes auxv in the format used by NT_AUXV, including the
// AT_NULL terminator.
func EncodeAuxv(auxv []proc.AuxvEntry, ptrSize int) []byte {
	buf := new(bytes.Buffer)
	for _, e := range auxv {
		writeUintRaw(buf, ptrSize, e.Tag)
		writeUintRaw(buf, ptrSize, e.Val)
	}
	writeUintRaw(buf, ptrSize, _AT_NULL)
	writeUintRaw(buf, ptrSize, 0)
	return buf.Bytes()
}

// EntryPointFromAuxv searches the auxiliary vector for the entry point
// address.
func EntryPointFromAuxv(auxv []proc.AuxvEntry) uint64 {
	return auxvLookup(auxv, _AT_ENTRY)
}

// PageSizeFromAuxv searches the auxiliary vector for the page size.
func PageSizeFromAuxv(auxv []proc.AuxvEntry) uint64 {
	return auxvLookup(auxv, _AT_PAGESZ)
}

func auxvLookup(auxv []proc.AuxvEntry, tag uint64) uint64 {
	for _, e := range auxv {
		if e.Tag == tag {
			return e.Val
		}
	}
	return 0
}

func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

func writeUintRaw(buf *bytes.Buffer, ptrSize int, n uint64) {
	if ptrSize == 4 {
		_ = binary.Write(buf, binary.LittleEndian, uint32(n))
		return
	}
	_ = binary.Write(buf, binary.LittleEndian, n)
}
