// Package debugdetect reports whether a process is being traced by a
// ptrace-based debugger (Delve, gdb, strace, another elfcore, etc.).
//
// A traced process cannot be attached to again, Tracer is used to turn the
// resulting EPERM into an error naming the tracer.
package debugdetect
