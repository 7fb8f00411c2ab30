// Package proc defines the capture model shared by every backend: the
// snapshot of a stopped process (threads, register sets, memory mappings,
// auxiliary vector) and the two capabilities a backend must provide to
// build a core file from it, a ProcessView and a MemoryReader.
//
// Concrete backends live in sub-packages (see pkg/proc/native). Code that
// only orchestrates a dump should depend on this package alone.
package proc
