package infra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// fakeRunner answers commands from a table keyed by the full command line.
// Unknown commands fail like a tool exiting non-zero.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]string
	missing   bool
	calls     []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]string)}
}

func (f *fakeRunner) on(cmdline, out string) *fakeRunner {
	f.responses[cmdline] = out
	return f
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Output(ctx, name, args...)
	return err
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)
	if f.missing {
		return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	out, ok := f.responses[line]
	if !ok {
		return nil, fmt.Errorf("%s: %w", line, &exec.ExitError{})
	}
	return []byte(out + "\n"), nil
}

func (f *fakeRunner) called(cmdline string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == cmdline {
			return true
		}
	}
	return false
}

// mockProcessManager is a test double for domain.ProcessManager.
type mockProcessManager struct {
	names      map[int]string
	killedPIDs []int
}

var _ domain.ProcessManager = (*mockProcessManager)(nil)

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{names: make(map[int]string)}
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	var pids []int
	for pid, name := range m.names {
		if strings.Contains(strings.ToLower(name), strings.ToLower(pattern)) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (m *mockProcessManager) NameOf(pid int) (string, error) {
	name, ok := m.names[pid]
	if !ok {
		return "", fmt.Errorf("pid %d: %w", pid, domain.ErrNotFound)
	}
	return name, nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.killedPIDs = append(m.killedPIDs, pid)
	delete(m.names, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	_, ok := m.names[pid]
	return ok
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}
