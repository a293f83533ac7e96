package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

const xdotoolBin = "xdotool"

// DefaultSettleDelay is how long window managers get to catch up after a
// focus change or synthetic keystroke.
const DefaultSettleDelay = 200 * time.Millisecond

var browserNames = []string{
	"firefox", "chromium", "chrome", "brave", "microsoft-edge", "msedge",
	"opera", "vivaldi", "librewolf", "zen",
}

// XDoTool drives X11 windows through the xdotool binary. It is both the
// Enforcement used by the dispatcher and the window ActivitySource.
type XDoTool struct {
	run    CommandRunner
	procs  domain.ProcessManager
	settle time.Duration
	logger *zap.Logger
}

var (
	_ domain.Enforcement    = (*XDoTool)(nil)
	_ domain.ActivitySource = (*XDoTool)(nil)
)

func NewXDoTool(run CommandRunner, procs domain.ProcessManager, settle time.Duration, logger *zap.Logger) *XDoTool {
	return &XDoTool{run: run, procs: procs, settle: settle, logger: logger}
}

func (x *XDoTool) xdotool(ctx context.Context, args ...string) (string, error) {
	out, err := x.run.Output(ctx, xdotoolBin, args...)
	if err != nil {
		if isMissingTool(err) {
			return "", fmt.Errorf("%w: %v", domain.ErrSensorUnavailable, err)
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// wait sleeps for the settle delay unless ctx ends first.
func (x *XDoTool) wait(ctx context.Context) error {
	if x.settle <= 0 {
		return nil
	}
	t := time.NewTimer(x.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (x *XDoTool) ActiveWindow(ctx context.Context) (domain.WindowRef, error) {
	id, err := x.xdotool(ctx, "getactivewindow")
	if err != nil {
		return domain.WindowRef{}, fmt.Errorf("failed to get active window: %w", err)
	}
	title, err := x.xdotool(ctx, "getwindowname", id)
	if err != nil {
		return domain.WindowRef{}, fmt.Errorf("failed to get window name: %w", err)
	}
	return domain.WindowRef{ID: id, Title: title}, nil
}

// FindWindow returns a visible window whose title contains keyword, ignoring
// case. The active window wins when it matches.
func (x *XDoTool) FindWindow(ctx context.Context, keyword string) (domain.WindowRef, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return domain.WindowRef{}, fmt.Errorf("empty keyword: %w", domain.ErrNotFound)
	}

	if active, err := x.ActiveWindow(ctx); err == nil && strings.Contains(strings.ToLower(active.Title), keyword) {
		return active, nil
	}

	out, err := x.xdotool(ctx, "search", "--onlyvisible", "--name", ".")
	if err != nil {
		if isExitFailure(err) {
			return domain.WindowRef{}, fmt.Errorf("window %q: %w", keyword, domain.ErrNotFound)
		}
		return domain.WindowRef{}, fmt.Errorf("failed to list windows: %w", err)
	}
	for _, id := range strings.Fields(out) {
		title, err := x.xdotool(ctx, "getwindowname", id)
		if err != nil {
			continue // closed while listing
		}
		if strings.Contains(strings.ToLower(title), keyword) {
			return domain.WindowRef{ID: id, Title: title}, nil
		}
	}
	return domain.WindowRef{}, fmt.Errorf("window %q: %w", keyword, domain.ErrNotFound)
}

func (x *XDoTool) FocusWindow(ctx context.Context, id string) error {
	if _, err := x.xdotool(ctx, "windowactivate", "--sync", id); err != nil {
		return fmt.Errorf("failed to focus window %s: %w", id, err)
	}
	return x.wait(ctx)
}

func (x *XDoTool) VerifyTitle(ctx context.Context, id, keyword string) (bool, error) {
	title, err := x.xdotool(ctx, "getwindowname", id)
	if err != nil {
		if isExitFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read window %s: %w", id, err)
	}
	return strings.Contains(strings.ToLower(title), strings.ToLower(keyword)), nil
}

func (x *XDoTool) SendCloseKeystroke(ctx context.Context) error {
	if _, err := x.xdotool(ctx, "key", "--clearmodifiers", "ctrl+w"); err != nil {
		return fmt.Errorf("failed to send close keystroke: %w", err)
	}
	return x.wait(ctx)
}

func (x *XDoTool) CloseWindow(ctx context.Context, id string) error {
	if _, err := x.xdotool(ctx, "windowclose", id); err != nil {
		return fmt.Errorf("failed to close window %s: %w", id, err)
	}
	return x.wait(ctx)
}

func (x *XDoTool) MinimizeWindow(ctx context.Context, id string) error {
	if _, err := x.xdotool(ctx, "windowminimize", "--sync", id); err != nil {
		return fmt.Errorf("failed to minimize window %s: %w", id, err)
	}
	return nil
}

func (x *XDoTool) WindowExists(ctx context.Context, id string) (bool, error) {
	if _, err := x.xdotool(ctx, "getwindowname", id); err != nil {
		if isExitFailure(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// --- domain.ActivitySource implementation ---

func (x *XDoTool) Name() string { return "x11-window" }

// Poll records the focused window. Nothing is recorded while no window has
// focus (screen locked, empty desktop).
func (x *XDoTool) Poll(ctx context.Context) (*domain.ActivityRecord, error) {
	win, err := x.ActiveWindow(ctx)
	if err != nil {
		if isExitFailure(err) {
			return nil, nil
		}
		return nil, err
	}

	app := "unknown"
	if pidStr, err := x.xdotool(ctx, "getwindowpid", win.ID); err == nil {
		if pid, err := strconv.Atoi(pidStr); err == nil {
			if name, err := x.procs.NameOf(pid); err == nil {
				app = name
			} else {
				x.logger.Debug("pid lookup failed", zap.Int("pid", pid), zap.Error(err))
			}
		}
	}

	source, page := domain.SourceApplication, ""
	if isBrowser(app) {
		source, page = domain.SourceBrowser, browserPageTitle(win.Title)
	}
	rec := domain.NewActivityRecord(source, app, win.Title, "", page, time.Now())
	return &rec, nil
}

func isBrowser(app string) bool {
	app = strings.ToLower(app)
	for _, b := range browserNames {
		if strings.Contains(app, b) {
			return true
		}
	}
	return false
}

// browserPageTitle strips the trailing " - Mozilla Firefox" style suffix.
func browserPageTitle(title string) string {
	for _, sep := range []string{" - ", " — ", " – "} {
		i := strings.LastIndex(title, sep)
		if i <= 0 {
			continue
		}
		if isBrowser(title[i+len(sep):]) {
			return strings.TrimSpace(title[:i])
		}
	}
	return title
}
