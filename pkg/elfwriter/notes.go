package elfwriter

// Owner names of the notes found in Linux core files.
const (
	CoreNoteName  = "CORE"
	LinuxNoteName = "LINUX"
)
