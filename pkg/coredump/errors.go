package coredump

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrNoteSourceRead is returned when the source of a custom note can
	// not be read.
	ErrNoteSourceRead = errors.New("could not read note source")
	// ErrSinkWrite is returned when the core file can not be written to
	// its destination.
	ErrSinkWrite = errors.New("error writing core file")
	// ErrBuilderFinished is returned by the methods of a Builder that has
	// already been written or closed.
	ErrBuilderFinished = errors.New("core dump builder already used")
)

type internalError struct {
	Err   interface{}
	Stack []internalErrorFrame
}

type internalErrorFrame struct {
	Pc   uintptr
	Func string
	File string
	Line int
}

func newInternalError(ierr interface{}, skip int) *internalError {
	r := &internalError{ierr, nil}
	for i := skip; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fname := "<unknown>"
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			fname = fn.Name()
		}
		r.Stack = append(r.Stack, internalErrorFrame{pc, fname, file, line})
	}
	return r
}

func (err *internalError) Error() string {
	var out bytes.Buffer
	fmt.Fprintf(&out, "Internal error while writing core file: %v\n", err.Err)
	for _, frame := range err.Stack {
		fmt.Fprintf(&out, "%s (%#x)\n\t%s:%d\n", frame.Func, frame.Pc, frame.File, frame.Line)
	}
	return out.String()
}
