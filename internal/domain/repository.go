package domain

import (
	"context"
	"time"
)

// ActivitySource produces activity observations.
type ActivitySource interface {
	// Name identifies the sensor in logs.
	Name() string

	// Poll samples the sensor once. Returns nil when there is nothing to record.
	Poll(ctx context.Context) (*ActivityRecord, error)
}

// ActivityLog is the append-only store sensors write to.
type ActivityLog interface {
	Append(ctx context.Context, rec ActivityRecord) error

	// Query returns records observed at or after since, oldest first.
	Query(ctx context.Context, since time.Time) ([]ActivityRecord, error)

	// DeleteMatching removes records since the given time whose title or url
	// contains keyword (case-insensitive).
	DeleteMatching(ctx context.Context, since time.Time, keyword string) (int64, error)

	// Expire removes records older than before.
	Expire(ctx context.Context, before time.Time) (int64, error)
}

// SessionLog stores compressed session blocks.
type SessionLog interface {
	AppendBlock(ctx context.Context, b SessionBlock) error

	// Blocks returns blocks that ended at or after since, oldest first.
	Blocks(ctx context.Context, since time.Time) ([]SessionBlock, error)

	// ExpireBlocks removes blocks that ended before before.
	ExpireBlocks(ctx context.Context, before time.Time) (int64, error)
}

// ProfileStore persists the TrustProfile.
type ProfileStore interface {
	Read(ctx context.Context) (TrustProfile, error)

	// ApplyDelta applies trust and balance changes as one atomic
	// read-modify-write. Returns ErrInsufficientFunds when the delta's
	// floor would be crossed, leaving the profile unchanged.
	ApplyDelta(ctx context.Context, delta ProfileDelta) (TrustProfile, error)

	// Reset restores the initial profile.
	Reset(ctx context.Context) (TrustProfile, error)
}

// GoalStore persists goals.
type GoalStore interface {
	// Active returns the active goal or ErrNoActiveGoal.
	Active(ctx context.Context) (Goal, error)

	// SetGoal abandons any active goal and starts a new one.
	SetGoal(ctx context.Context, text string) (Goal, error)

	// FinishGoal closes the active goal with the given status.
	FinishGoal(ctx context.Context, status GoalStatus) (Goal, error)
}

// AuditLog records every applied action.
type AuditLog interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// Presentation shows judgments to the user and collects a choice.
type Presentation interface {
	// Present blocks until the user chooses, the dialog times out, or ctx is cancelled.
	Present(ctx context.Context, j Judgment) (Choice, error)

	// Notify shows a non-interactive notice.
	Notify(ctx context.Context, n Notice)
}

// Enforcement manipulates OS windows.
type Enforcement interface {
	ActiveWindow(ctx context.Context) (WindowRef, error)
	FindWindow(ctx context.Context, keyword string) (WindowRef, error)
	FocusWindow(ctx context.Context, id string) error
	VerifyTitle(ctx context.Context, id, keyword string) (bool, error)
	SendCloseKeystroke(ctx context.Context) error
	CloseWindow(ctx context.Context, id string) error
	MinimizeWindow(ctx context.Context, id string) error
	WindowExists(ctx context.Context, id string) (bool, error)
}

// Schema is the small JSON-schema subset used to constrain backend output.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// LLMBackend completes a prompt and returns raw text.
type LLMBackend interface {
	Name() string
	Complete(ctx context.Context, prompt string, schema *Schema) (string, error)
}

// ProcessManager handles process operations.
type ProcessManager interface {
	// FindByName returns PIDs matching process name pattern (case-insensitive).
	FindByName(pattern string) ([]int, error)

	// NameOf returns the executable name of a PID.
	NameOf(pid int) (string, error)

	// Kill terminates process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// KeyProvider manages encryption keys for the profile database.
type KeyProvider interface {
	// GetKey returns the encryption key.
	GetKey() ([]byte, error)

	// StoreKey persists the encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}
