//go:build amd64 || arm64

package native

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	sys "golang.org/x/sys/unix"

	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

// readProcFile reads /proc/<pid>/<name>, reporting a process that
// disappeared as proc.ErrProcessGone.
func readProcFile(pid int, name string) ([]byte, error) {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/%s", pid, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, sys.ESRCH) {
			return nil, fmt.Errorf("reading /proc/%d/%s: %w", pid, name, proc.ErrProcessGone)
		}
		return nil, fmt.Errorf("reading /proc/%d/%s: %w", pid, name, err)
	}
	return buf, nil
}

// listTasks returns the ids of the threads of pid.
func listTasks(pid int) ([]int, error) {
	des, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, proc.ErrProcessGone
		}
		return nil, err
	}
	tids := make([]int, 0, len(des))
	for _, de := range des {
		tid, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// status returns the state letter of pid, or 0 if it can not be read.
func status(pid int) byte {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	st, err := linutil.ParseStat(buf)
	if err != nil {
		return 0
	}
	return st.State
}

// processInfo collects the process wide metadata of pid.
func processInfo(pid int) (proc.ProcessInfo, error) {
	info := proc.ProcessInfo{Pid: pid}

	statbuf, err := readProcFile(pid, "stat")
	if err != nil {
		return info, err
	}
	st, err := linutil.ParseStat(statbuf)
	if err != nil {
		return info, err
	}
	info.Ppid = st.Ppid
	info.Pgrp = st.Pgrp
	info.Sid = st.Sid
	info.Nice = st.Nice
	info.State = st.State
	info.Comm = st.Comm

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info, fmt.Errorf("%w: %v", proc.ErrProcessGone, err)
	}
	if uids, err := p.Uids(); err == nil && len(uids) > 0 {
		info.Uid = uint32(uids[0])
	}
	if gids, err := p.Gids(); err == nil && len(gids) > 0 {
		info.Gid = uint32(gids[0])
	}
	if name, err := p.Name(); err == nil && name != "" {
		info.Comm = name
	}
	if args, err := p.CmdlineSlice(); err == nil {
		info.Args = args
	}
	if exe, err := p.Exe(); err == nil {
		info.Exe = exe
	}
	return info, nil
}

// threadTimes returns the user and system CPU time consumed by each thread
// of pid. Threads whose times can not be read are missing from the map.
func threadTimes(pid int) map[int][2]time.Duration {
	r := make(map[int][2]time.Duration)
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return r
	}
	threads, err := p.Threads()
	if err != nil {
		return r
	}
	seconds := func(s float64) time.Duration {
		return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
	}
	for tid, times := range threads {
		if times == nil {
			continue
		}
		r[int(tid)] = [2]time.Duration{seconds(times.User), seconds(times.System)}
	}
	return r
}

// readMappings returns the memory mappings of pid, from smaps if available
// since it reports VmFlags, otherwise from maps.
func readMappings(pid int) ([]proc.MemoryMapping, error) {
	buf, err := readProcFile(pid, "smaps")
	if err != nil {
		if errors.Is(err, proc.ErrProcessGone) {
			return nil, err
		}
		if buf, err = readProcFile(pid, "maps"); err != nil {
			return nil, err
		}
	}
	return linutil.ParseSmaps(buf)
}

// readCoredumpFilter returns the content of /proc/<pid>/coredump_filter, or
// the kernel default if it can not be read.
func readCoredumpFilter(pid int) proc.CoredumpFilter {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/coredump_filter", pid))
	if err != nil {
		return proc.DefaultCoredumpFilter
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(buf)), 16, 32)
	if err != nil {
		return proc.DefaultCoredumpFilter
	}
	return proc.CoredumpFilter(n)
}
