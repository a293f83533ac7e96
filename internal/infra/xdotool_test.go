package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

func newTestXDoTool(run *fakeRunner, procs *mockProcessManager) *XDoTool {
	return NewXDoTool(run, procs, 0, zap.NewNop())
}

func TestXDoTool_Poll(t *testing.T) {
	tests := []struct {
		name       string
		run        *fakeRunner
		names      map[int]string
		wantNil    bool
		wantSource domain.ActivitySourceKind
		wantApp    string
		wantPage   string
	}{
		{
			name: "editor window",
			run: newFakeRunner().
				on("xdotool getactivewindow", "101").
				on("xdotool getwindowname 101", "report.docx - LibreOffice Writer").
				on("xdotool getwindowpid 101", "4242"),
			names:      map[int]string{4242: "soffice.bin"},
			wantSource: domain.SourceApplication,
			wantApp:    "soffice.bin",
		},
		{
			name: "browser window strips suffix",
			run: newFakeRunner().
				on("xdotool getactivewindow", "202").
				on("xdotool getwindowname 202", "Cats - YouTube - Mozilla Firefox").
				on("xdotool getwindowpid 202", "77"),
			names:      map[int]string{77: "firefox"},
			wantSource: domain.SourceBrowser,
			wantApp:    "firefox",
			wantPage:   "Cats - YouTube",
		},
		{
			name: "window without pid",
			run: newFakeRunner().
				on("xdotool getactivewindow", "303").
				on("xdotool getwindowname 303", "xterm"),
			wantSource: domain.SourceApplication,
			wantApp:    "unknown",
		},
		{
			name:    "no focused window",
			run:     newFakeRunner(),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			procs := newMockProcessManager()
			for pid, n := range tt.names {
				procs.names[pid] = n
			}
			rec, err := newTestXDoTool(tt.run, procs).Poll(context.Background())
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, tt.wantSource, rec.Source)
			assert.Equal(t, tt.wantApp, rec.AppName)
			assert.Equal(t, tt.wantPage, rec.PageTitle)
		})
	}
}

func TestXDoTool_MissingBinary(t *testing.T) {
	run := newFakeRunner()
	run.missing = true
	x := newTestXDoTool(run, newMockProcessManager())

	_, err := x.Poll(context.Background())
	assert.ErrorIs(t, err, domain.ErrSensorUnavailable)
}

func TestXDoTool_FindWindow(t *testing.T) {
	run := newFakeRunner().
		on("xdotool getactivewindow", "1").
		on("xdotool getwindowname 1", "report.docx").
		on("xdotool search --onlyvisible --name .", "1\n2\n3").
		on("xdotool getwindowname 2", "Go docs - Chromium").
		on("xdotool getwindowname 3", "Cats - YouTube - Chromium")
	x := newTestXDoTool(run, newMockProcessManager())
	ctx := context.Background()

	w, err := x.FindWindow(ctx, "YOUTUBE")
	require.NoError(t, err)
	assert.Equal(t, "3", w.ID)

	w, err = x.FindWindow(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, "1", w.ID, "active window preferred")

	_, err = x.FindWindow(ctx, "netflix")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestXDoTool_WindowOps(t *testing.T) {
	run := newFakeRunner().
		on("xdotool getwindowname 9", "Cats - YouTube").
		on("xdotool windowactivate --sync 9", "").
		on("xdotool key --clearmodifiers ctrl+w", "").
		on("xdotool windowclose 9", "").
		on("xdotool windowminimize --sync 9", "")
	x := newTestXDoTool(run, newMockProcessManager())
	ctx := context.Background()

	ok, err := x.VerifyTitle(ctx, "9", "youtube")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = x.VerifyTitle(ctx, "10", "youtube")
	require.NoError(t, err)
	assert.False(t, ok, "vanished window never verifies")

	exists, err := x.WindowExists(ctx, "10")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, x.FocusWindow(ctx, "9"))
	require.NoError(t, x.SendCloseKeystroke(ctx))
	require.NoError(t, x.CloseWindow(ctx, "9"))
	require.NoError(t, x.MinimizeWindow(ctx, "9"))
	assert.True(t, run.called("xdotool key --clearmodifiers ctrl+w"))
}

func TestXDoTool_SettleRespectsContext(t *testing.T) {
	run := newFakeRunner().on("xdotool windowactivate --sync 9", "")
	x := NewXDoTool(run, newMockProcessManager(), DefaultSettleDelay*100, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, x.FocusWindow(ctx, "9"), context.Canceled)
}

func TestBrowserPageTitle(t *testing.T) {
	assert.Equal(t, "Inbox", browserPageTitle("Inbox - Google Chrome"))
	assert.Equal(t, "a - b", browserPageTitle("a - b"))
	assert.Equal(t, "Docs", browserPageTitle("Docs — Mozilla Firefox"))
}
