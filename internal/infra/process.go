package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// ProcessTable implements domain.ProcessManager on top of gopsutil.
type ProcessTable struct{}

var _ domain.ProcessManager = (*ProcessTable)(nil)

func NewProcessTable() *ProcessTable {
	return &ProcessTable{}
}

// FindByName returns PIDs whose executable name contains pattern, ignoring case.
func (pt *ProcessTable) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	pattern = strings.ToLower(pattern)
	var found []int
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // exited between listing and lookup
		}
		if strings.Contains(strings.ToLower(name), pattern) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// NameOf resolves the executable name the window sensor reports as the app.
func (pt *ProcessTable) NameOf(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("pid %d: %w", pid, domain.ErrNotFound)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return "", fmt.Errorf("pid %d: %w", pid, domain.ErrNotFound)
		}
		return "", fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	name, err := p.Name()
	if err != nil {
		return "", fmt.Errorf("failed to read name of %d: %w", pid, err)
	}
	return name, nil
}

func (pt *ProcessTable) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	return p.Kill()
}

func (pt *ProcessTable) IsRunning(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (pt *ProcessTable) GetCurrentPID() int {
	return os.Getpid()
}
