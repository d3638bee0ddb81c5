// Package procsnap abstracts host process introspection (pid lineage,
// start time, controlling session, stdio targets) behind an interface so
// the provenance engine and process-IO mediator can be tested without a
// real /proc filesystem. The Linux implementation uses gopsutil to check
// that a pid is still running and reads every snapshot field directly
// from /proc.
package procsnap

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot captures the fields the provenance schema's `process` table
// records for one pid at one point in time.
type Snapshot struct {
	PID          int32
	PStart       float64
	ParentPID    int32
	ParentStart  float64
	Tgid         int32
	TgidStart    float64
	SessionID    int32
	SessionStart float64
	Cmd          string
	Exe          string
	ExeHash      string
	Cwd          string
	Env          string
	Stdio        [3]string // fd 0,1,2 targets
	StdioTrunc   [3]bool
}

// Snapshotter is the host process introspection surface. Implementations
// must be safe for concurrent use.
type Snapshotter interface {
	// Snapshot captures full process state for pid.
	Snapshot(pid int32) (*Snapshot, error)
	// ParentPID returns pid's parent, used for owner-lineage checks.
	ParentPID(pid int32) (int32, error)
	// ListPIDs returns every currently running pid, used for pipe
	// endpoint discovery.
	ListPIDs() ([]int32, error)
	// FD returns the target of pid's file descriptor fd (e.g. a
	// "pipe:[12345]" string), used for pipe endpoint discovery.
	FD(pid int32, fd int) (string, error)
}

// Default returns the host's Snapshotter: gopsutil plus direct /proc
// reads on Linux.
func Default() Snapshotter { return &linuxSnapshotter{} }

type linuxSnapshotter struct{}

func (linuxSnapshotter) ParentPID(pid int32) (int32, error) {
	fields, err := readStatFields(pid)
	if err != nil {
		return 0, err
	}
	ppid, err := strconv.Atoi(fields[3])
	if err != nil {
		return 0, err
	}
	return int32(ppid), nil
}

func (linuxSnapshotter) ListPIDs() ([]int32, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, entry := range entries {
		if pid, err := strconv.Atoi(entry.Name()); err == nil {
			pids = append(pids, int32(pid))
		}
	}
	return pids, nil
}

func (linuxSnapshotter) FD(pid int32, fd int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd))
}

func (s linuxSnapshotter) Snapshot(pid int32) (*Snapshot, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	if running, err := p.IsRunning(); err == nil && !running {
		return nil, fmt.Errorf("pid %d is no longer running", pid)
	}

	snap := &Snapshot{PID: pid}

	// Read raw, NUL-separated argv rather than gopsutil's Cmdline(), which
	// joins arguments with spaces and loses the boundary an embedded
	// space or NUL-free argument needs for faithful replay reconstruction.
	if raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		snap.Cmd = string(raw)
	}

	fields, err := readStatFields(pid)
	if err != nil {
		return nil, err
	}
	bootTime, hz := bootTimeAndHZ()

	pstart, _ := strconv.ParseFloat(fields[21], 64)
	snap.PStart = round3(bootTime + pstart/hz)

	ppid, _ := strconv.Atoi(fields[3])
	snap.ParentPID = int32(ppid)

	sid, _ := strconv.Atoi(fields[5])
	snap.SessionID = int32(sid)

	if tgid, err := readTgid(pid); err == nil {
		snap.Tgid = tgid
	}

	if snap.ParentPID > 0 {
		if pstat, err := readStatFields(snap.ParentPID); err == nil {
			v, _ := strconv.ParseFloat(pstat[21], 64)
			snap.ParentStart = round3(bootTime + v/hz)
		}
	}
	if snap.Tgid > 0 {
		if tstat, err := readStatFields(snap.Tgid); err == nil {
			v, _ := strconv.ParseFloat(tstat[21], 64)
			snap.TgidStart = round3(bootTime + v/hz)
		}
	}
	if snap.SessionID > 0 {
		if sstat, err := readStatFields(snap.SessionID); err == nil {
			v, _ := strconv.ParseFloat(sstat[21], 64)
			snap.SessionStart = round3(bootTime + v/hz)
		}
	}

	if pid > 1 {
		if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
			snap.Exe = exe
			if hash, err := hashFile(exe); err == nil {
				snap.ExeHash = hash
			}
		}
		if cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
			snap.Cwd = cwd
		}
	}

	for fd := 0; fd < 3; fd++ {
		if target, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd)); err == nil {
			snap.Stdio[fd] = strings.Replace(target, " (deleted)", "", 1)
		}
	}

	return snap, nil
}

// readStatFields parses /proc/<pid>/stat, accounting for a process name
// containing spaces or parentheses by locating the final ")".
func readStatFields(pid int32) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, err
	}
	line := strings.TrimRight(string(data), "\n")
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return nil, fmt.Errorf("malformed stat line for pid %d", pid)
	}
	before := strings.Fields(line[:close])
	after := strings.Fields(line[close+1:])
	// before[0] is the pid; reconstruct zero-indexed field list matching
	// proc(5): fields[1]=comm(dropped), fields[2]=state is after[0], etc.
	fields := append([]string{before[0], ""}, after...)
	return fields, nil
}

func readTgid(pid int32) (int32, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Tgid:") {
			fields := strings.Fields(line)
			if len(fields) == 2 {
				v, err := strconv.Atoi(fields[1])
				return int32(v), err
			}
		}
	}
	return 0, fmt.Errorf("Tgid not found for pid %d", pid)
}

func bootTimeAndHZ() (float64, float64) {
	boot, err := readBootTime()
	if err != nil {
		boot = 0
	}
	return boot, 100 // USER_HZ is 100 on essentially every Linux platform Go targets
}

func readBootTime() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "btime ") {
			v, err := strconv.ParseFloat(strings.Fields(line)[1], 64)
			return v, err
		}
	}
	return 0, fmt.Errorf("btime not found")
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
