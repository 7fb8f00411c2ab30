package proc

import "errors"

// DefaultChunkSize is the size of the buffer used to copy memory from the
// target to the output.
const DefaultChunkSize = 1024 * 1024

// ReadBestEffort fills buf with the contents of memory at addr. Pages that
// can not be read are zero-filled and reading resumes at the next page, so
// both the readable prefix and the readable suffix of a partially mapped
// range are recovered.
// It returns the number of bytes that were actually read from the target.
// The only error reported is ErrProcessGone.
func ReadBestEffort(mem MemoryReader, buf []byte, addr, pageSize uint64) (int, error) {
	if pageSize == 0 {
		pageSize = 4096
	}
	read := 0
	off := 0
	for off < len(buf) {
		n, err := mem.ReadMemory(buf[off:], addr+uint64(off))
		if errors.Is(err, ErrProcessGone) {
			return read, err
		}
		if n > 0 {
			read += n
			off += n
		}
		if off >= len(buf) {
			break
		}
		cur := addr + uint64(off)
		next := int(alignUp(cur+1, pageSize) - addr)
		if next > len(buf) {
			next = len(buf)
		}
		for i := off; i < next; i++ {
			buf[i] = 0
		}
		off = next
	}
	return read, nil
}

func alignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}
