// Package procmon inspects and manages OS processes spawned by sandboxes:
// listing them, killing zombies, and finding which ones own a listening
// port. It reads /proc directly; no ecosystem process-inspection library
// appeared anywhere in the retrieved pack, so this is one of the few
// stdlib-only corners of the module (see DESIGN.md).
package procmon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
)

// SystemProcess is a snapshot of one process's observable state.
type SystemProcess struct {
	PID            int
	Name           string
	Status         string
	CPUPercent     float64
	MemoryMB       float64
	ListeningPorts []int
	Env            map[string]string
	StartedAt      time.Time
}

// IsZombie reports whether the process is a zombie per its /proc status,
// or has exceeded the idle threshold while using little CPU.
func (p SystemProcess) IsZombie(zombieThreshold time.Duration, cpuThreshold float64) bool {
	if p.Status == "zombie" {
		return true
	}
	idleFor := time.Since(p.StartedAt)
	return idleFor > zombieThreshold && p.CPUPercent < cpuThreshold
}

// Filter narrows list_processes: SandboxID matches SANDBOX_ID in the
// process environment; TrackedPIDs is a caller-supplied set of PIDs known
// to belong to a sandbox regardless of environment visibility.
type Filter struct {
	SandboxID   string
	TrackedPIDs map[int]struct{}
}

func (f Filter) matches(p SystemProcess) bool {
	if f.SandboxID != "" && p.Env["SANDBOX_ID"] == f.SandboxID {
		return true
	}
	if f.TrackedPIDs != nil {
		if _, ok := f.TrackedPIDs[p.PID]; ok {
			return true
		}
	}
	return f.SandboxID == "" && f.TrackedPIDs == nil
}

// Monitor enumerates /proc, kills processes, and caches snapshots briefly
// so a sandbox teardown's kill_zombies + processes_by_port calls don't
// each re-walk process state from scratch.
type Monitor struct {
	zombieThreshold time.Duration
	cpuThreshold    float64
	cacheTTL        time.Duration
	logger          corelog.Logger

	mu       sync.Mutex
	cached   []SystemProcess
	cachedAt time.Time
	procRoot string
}

// Config configures a Monitor.
type Config struct {
	ZombieThreshold time.Duration
	CPUThreshold    float64
	CacheTTL        time.Duration
	ProcRoot        string // defaults to "/proc"
	Logger          corelog.Logger
}

// New creates a Monitor. ZombieThreshold defaults to 5 minutes, CacheTTL to
// 2 seconds per the snapshot-cache supplement.
func New(cfg Config) *Monitor {
	if cfg.ZombieThreshold <= 0 {
		cfg.ZombieThreshold = 5 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.Logger == nil {
		cfg.Logger = corelog.NoOpLogger{}
	}
	return &Monitor{
		zombieThreshold: cfg.ZombieThreshold,
		cpuThreshold:    cfg.CPUThreshold,
		cacheTTL:        cfg.CacheTTL,
		logger:          cfg.Logger,
		procRoot:        cfg.ProcRoot,
	}
}

// ListProcesses returns every process matching filter, refreshing the
// snapshot cache if it is older than CacheTTL.
func (m *Monitor) ListProcesses(filter Filter) ([]SystemProcess, error) {
	all, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	var matched []SystemProcess
	for _, p := range all {
		if filter.matches(p) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// ProcessesByPort returns processes whose listening ports intersect
// [low, high].
func (m *Monitor) ProcessesByPort(low, high int) ([]SystemProcess, error) {
	all, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	var matched []SystemProcess
	for _, p := range all {
		for _, port := range p.ListeningPorts {
			if port >= low && port <= high {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched, nil
}

// Kill sends SIGTERM, then SIGKILL after one second if force is set or the
// process is still alive, and polls for up to two seconds for it to exit.
func (m *Monitor) Kill(pid int, force bool) bool {
	if !processAlive(pid) {
		return true
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}

	if force || processAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	pollDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(pollDeadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !processAlive(pid)
}

// KillZombies enumerates sandbox processes and kills those meeting the
// zombie predicate. It satisfies sandbox.ProcessCleaner.
func (m *Monitor) KillZombies(ctx context.Context, sandboxID string) error {
	procs, err := m.ListProcesses(Filter{SandboxID: sandboxID})
	if err != nil {
		return err
	}
	var killed int
	for _, p := range procs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.IsZombie(m.zombieThreshold, m.cpuThreshold) {
			if m.Kill(p.PID, true) {
				killed++
			}
		}
	}
	if killed > 0 {
		m.logger.Info("reaped zombie processes", map[string]interface{}{"sandbox_id": sandboxID, "count": killed})
	}
	return nil
}

// FreePorts kills any process belonging to sandboxID that is still
// listening in [low, high]. It satisfies sandbox.ProcessCleaner.
func (m *Monitor) FreePorts(ctx context.Context, sandboxID string, low, high int) error {
	owned, err := m.ListProcesses(Filter{SandboxID: sandboxID})
	if err != nil {
		return err
	}
	ownedSet := make(map[int]struct{}, len(owned))
	for _, p := range owned {
		ownedSet[p.PID] = struct{}{}
	}

	listening, err := m.ProcessesByPort(low, high)
	if err != nil {
		return err
	}
	for _, p := range listening {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := ownedSet[p.PID]; ok {
			m.Kill(p.PID, true)
		}
	}
	return nil
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// snapshot returns the cached process list if still fresh, otherwise walks
// /proc and refreshes the cache.
func (m *Monitor) snapshot() ([]SystemProcess, error) {
	m.mu.Lock()
	if time.Since(m.cachedAt) < m.cacheTTL && m.cached != nil {
		cached := m.cached
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	procs, err := m.walkProc()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cached = procs
	m.cachedAt = time.Now()
	m.mu.Unlock()
	return procs, nil
}

func (m *Monitor) walkProc() ([]SystemProcess, error) {
	entries, err := os.ReadDir(m.procRoot)
	if err != nil {
		return nil, fmt.Errorf("procmon: reading %s: %w", m.procRoot, err)
	}

	var procs []SystemProcess
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		p, err := m.readProcess(pid)
		if err != nil {
			continue // process exited between readdir and read, or unreadable
		}
		procs = append(procs, p)
	}
	return procs, nil
}

func (m *Monitor) readProcess(pid int) (SystemProcess, error) {
	dir := filepath.Join(m.procRoot, strconv.Itoa(pid))

	name, status, memoryMB := readStatus(dir)
	env := readEnviron(dir)
	startedAt := dirModTime(dir)
	ports := readListeningPorts(dir)

	return SystemProcess{
		PID:            pid,
		Name:           name,
		Status:         status,
		MemoryMB:       memoryMB,
		ListeningPorts: ports,
		Env:            env,
		StartedAt:      startedAt,
	}, nil
}

// readStatus extracts name, normalized state, and resident set size from
// /proc/<pid>/status. CPU% is deliberately left at zero: computing it
// needs two utime/stime samples spaced over an interval, which the
// snapshot cache's single-pass walk does not take.
func readStatus(dir string) (name, status string, memoryMB float64) {
	f, err := os.Open(filepath.Join(dir, "status"))
	if err != nil {
		return "", "", 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Name:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "State:"):
			status = stateCode(strings.TrimSpace(strings.TrimPrefix(line, "State:")))
		case strings.HasPrefix(line, "VmRSS:"):
			memoryMB = parseKBField(strings.TrimSpace(strings.TrimPrefix(line, "VmRSS:")))
		}
	}
	return name, status, memoryMB
}

// parseKBField parses a "<N> kB" field from /proc status into megabytes.
func parseKBField(field string) float64 {
	fields := strings.Fields(field)
	if len(fields) == 0 {
		return 0
	}
	kb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return kb / 1024
}

// stateCode maps the /proc status "State:" field (e.g. "Z (zombie)") to a
// normalized lowercase status.
func stateCode(raw string) string {
	if strings.HasPrefix(raw, "Z") {
		return "zombie"
	}
	if strings.HasPrefix(raw, "R") {
		return "running"
	}
	if strings.HasPrefix(raw, "S") {
		return "sleeping"
	}
	if strings.HasPrefix(raw, "T") {
		return "stopped"
	}
	return "unknown"
}

func readEnviron(dir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(dir, "environ"))
	if err != nil {
		return nil
	}
	env := make(map[string]string)
	for _, pair := range strings.Split(string(data), "\x00") {
		if pair == "" {
			continue
		}
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			env[pair[:idx]] = pair[idx+1:]
		}
	}
	return env
}

func dirModTime(dir string) time.Time {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// readListeningPorts is a best-effort scan of the process's inherited fds
// against /proc/net/tcp; distinguishing genuinely "listening" sockets
// owned by this pid from the system-wide table requires correlating
// socket inodes, which this best-effort pass performs via fd symlinks.
func readListeningPorts(dir string) []int {
	fdDir := filepath.Join(dir, "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil
	}

	inodes := make(map[string]struct{})
	for _, e := range entries {
		link, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if strings.HasPrefix(link, "socket:[") {
			inode := strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")
			inodes[inode] = struct{}{}
		}
	}
	if len(inodes) == 0 {
		return nil
	}

	return listeningPortsForInodes(filepath.Dir(dir), inodes)
}

// listeningPortsForInodes parses /proc/net/tcp (relative to procRoot) for
// entries in state 0A (TCP_LISTEN) whose inode is in the given set.
func listeningPortsForInodes(procRoot string, inodes map[string]struct{}) []int {
	f, err := os.Open(filepath.Join(procRoot, "net", "tcp"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var ports []int
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		if fields[3] != "0A" { // TCP_LISTEN
			continue
		}
		inode := fields[9]
		if _, ok := inodes[inode]; !ok {
			continue
		}
		localAddr := fields[1]
		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 {
			continue
		}
		port, err := strconv.ParseInt(parts[1], 16, 32)
		if err != nil {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports
}
