// Package usecase contains the action dispatcher and the timed state it
// manages: pending enforcements, temporary whitelists and app blocks.
package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/internal/policy"
)

// BlockerConfig configures the app blocker.
type BlockerConfig struct {
	ScanInterval    time.Duration `yaml:"scan_interval"`
	RelaunchPenalty int           `yaml:"relaunch_penalty"`
}

// DefaultBlockerConfig returns the default blocker settings.
func DefaultBlockerConfig() BlockerConfig {
	return BlockerConfig{
		ScanInterval:    5 * time.Second,
		RelaunchPenalty: 1,
	}
}

// Penalizer debits the balance when a blocked app is relaunched.
type Penalizer interface {
	Penalize(ctx context.Context, amount int, reason string) (domain.TrustProfile, error)
}

// BlockResult is the outcome of killing one blocked app's processes.
type BlockResult struct {
	App        string
	KilledPIDs []int
	Errors     []error
	ExecutedAt time.Time
	DurationMs int64
}

// AppBlocker keeps blocked apps closed until their block expires.
type AppBlocker struct {
	processManager domain.ProcessManager
	registry       *policy.AppRegistry
	penalizer      Penalizer
	clock          Clock
	config         BlockerConfig
	logger         *zap.Logger

	mu     sync.Mutex
	blocks map[string]domain.BlockedApp
}

// NewAppBlocker creates an app blocker.
func NewAppBlocker(
	pm domain.ProcessManager,
	registry *policy.AppRegistry,
	penalizer Penalizer,
	clock Clock,
	config BlockerConfig,
	logger *zap.Logger,
) *AppBlocker {
	if clock == nil {
		clock = SystemClock()
	}
	if registry == nil {
		registry = policy.NewAppRegistry()
	}
	return &AppBlocker{
		processManager: pm,
		registry:       registry,
		penalizer:      penalizer,
		clock:          clock,
		config:         config,
		logger:         logger,
		blocks:         make(map[string]domain.BlockedApp),
	}
}

// Block kills the app's processes and keeps it blocked for d. Fails with an
// EnforcementAbortedError when the app resolves to no process pattern or a
// killed process is still running afterwards.
func (b *AppBlocker) Block(ctx context.Context, app string, d time.Duration) (domain.BlockedApp, BlockResult, error) {
	profile := b.registry.Resolve(app)
	patterns := profile.ProcessPatterns()
	if len(patterns) == 0 {
		return domain.BlockedApp{}, BlockResult{}, &domain.EnforcementAbortedError{
			Action: domain.ActionBlockApp,
			Reason: fmt.Sprintf("no process pattern for %q", app),
		}
	}

	block := domain.BlockedApp{
		App:       profile.ID(),
		Patterns:  patterns,
		ExpiresAt: b.clock.Now().Add(d),
	}
	result := b.kill(ctx, block)

	for _, pid := range result.KilledPIDs {
		if b.processManager.IsRunning(pid) {
			return domain.BlockedApp{}, result, &domain.EnforcementAbortedError{
				Action: domain.ActionBlockApp,
				Reason: fmt.Sprintf("process %d survived kill", pid),
			}
		}
	}

	b.mu.Lock()
	if cur, ok := b.blocks[block.App]; ok && cur.ExpiresAt.After(block.ExpiresAt) {
		block.ExpiresAt = cur.ExpiresAt
	}
	b.blocks[block.App] = block
	b.mu.Unlock()

	b.logger.Info("app blocked",
		zap.String("app", block.App),
		zap.Strings("patterns", patterns),
		zap.Time("until", block.ExpiresAt),
		zap.Int("killed", len(result.KilledPIDs)))
	return block, result, nil
}

// Unblock lifts a block early.
func (b *AppBlocker) Unblock(app string) bool {
	id := b.registry.Resolve(app).ID()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blocks[id]; !ok {
		return false
	}
	delete(b.blocks, id)
	return true
}

// Blocked returns the active blocks, sorted by app.
func (b *AppBlocker) Blocked() []domain.BlockedApp {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BlockedApp, 0, len(b.blocks))
	for _, blk := range b.blocks {
		out = append(out, blk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App < out[j].App })
	return out
}

// Scan drops expired blocks and kills relaunched processes of the rest,
// charging the relaunch penalty once per app that had to be killed.
func (b *AppBlocker) Scan(ctx context.Context) []BlockResult {
	now := b.clock.Now()
	b.mu.Lock()
	active := make([]domain.BlockedApp, 0, len(b.blocks))
	for id, blk := range b.blocks {
		if !now.Before(blk.ExpiresAt) {
			delete(b.blocks, id)
			b.logger.Info("app block expired", zap.String("app", id))
			continue
		}
		active = append(active, blk)
	}
	b.mu.Unlock()

	results := make([]BlockResult, 0, len(active))
	for _, blk := range active {
		result := b.kill(ctx, blk)
		if len(result.KilledPIDs) > 0 && b.penalizer != nil && b.config.RelaunchPenalty > 0 {
			if _, err := b.penalizer.Penalize(ctx, b.config.RelaunchPenalty, blk.App+" relaunched"); err != nil {
				b.logger.Warn("failed to charge relaunch penalty",
					zap.String("app", blk.App),
					zap.Error(err))
			}
		}
		results = append(results, result)
	}
	return results
}

// Run scans every ScanInterval until ctx is done.
func (b *AppBlocker) Run(ctx context.Context) error {
	interval := b.config.ScanInterval
	if interval <= 0 {
		interval = DefaultBlockerConfig().ScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Scan(ctx)
		}
	}
}

func (b *AppBlocker) kill(ctx context.Context, blk domain.BlockedApp) BlockResult {
	start := time.Now()
	result := BlockResult{
		App:        blk.App,
		KilledPIDs: make([]int, 0),
		Errors:     make([]error, 0),
		ExecutedAt: start,
	}
	self := b.processManager.GetCurrentPID()

	for _, pattern := range blk.Patterns {
		if ctx.Err() != nil {
			break
		}
		pids, err := b.processManager.FindByName(pattern)
		if err != nil {
			b.logger.Warn("failed to find processes",
				zap.String("pattern", pattern),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}

		for _, pid := range pids {
			if pid == self || containsPID(result.KilledPIDs, pid) {
				continue
			}
			if err := b.processManager.Kill(pid); err != nil {
				b.logger.Warn("failed to kill process",
					zap.Int("pid", pid),
					zap.Error(err))
				result.Errors = append(result.Errors, err)
			} else {
				b.logger.Info("killed process",
					zap.String("app", blk.App),
					zap.Int("pid", pid),
					zap.String("pattern", pattern))
				result.KilledPIDs = append(result.KilledPIDs, pid)
			}
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func containsPID(pids []int, pid int) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

// normalizeApp trims and lowercases an app name for lookups.
func normalizeApp(app string) string {
	return strings.ToLower(strings.TrimSpace(app))
}
