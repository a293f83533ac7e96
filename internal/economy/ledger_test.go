package economy

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/test/fixtures"
)

func newTestLedger(trust, balance int) (*Ledger, *fixtures.ProfileStore) {
	store := fixtures.NewProfileStore(trust, balance)
	return NewLedger(store, DefaultConfig(), zap.NewNop()), store
}

// TestLedger_ConcurrentTrustDeltas verifies the final score equals the clamp
// of the initial score plus every delta, regardless of interleaving.
func TestLedger_ConcurrentTrustDeltas(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		initial := rng.Intn(101)
		deltas := make([]int, 50+rng.Intn(150))
		sum := 0
		for i := range deltas {
			deltas[i] = rng.Intn(21) - 10
			sum += deltas[i]
		}

		ledger, _ := newTestLedger(initial, 0)
		var g errgroup.Group
		for _, d := range deltas {
			d := d
			g.Go(func() error {
				_, err := ledger.ApplyTrustDelta(context.Background(), d)
				return err
			})
		}
		require.NoError(t, g.Wait())

		p, err := ledger.Profile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, domain.ClampTrust(initial+sum), p.TrustScore, "seed %d", seed)
		assert.GreaterOrEqual(t, p.TrustScore, domain.MinTrust)
		assert.LessOrEqual(t, p.TrustScore, domain.MaxTrust)
	}
}

func TestLedger_ApplyTrustDeltaClamps(t *testing.T) {
	ledger, _ := newTestLedger(98, 0)

	score, err := ledger.ApplyTrustDelta(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 100, score)
}

// TestLedger_BalanceFloor verifies debits cannot cross the bankruptcy floor.
func TestLedger_BalanceFloor(t *testing.T) {
	ledger, store := newTestLedger(80, -45)

	bal, err := ledger.ApplyBalanceDelta(context.Background(), -5)
	require.NoError(t, err)
	assert.Equal(t, -50, bal)

	_, err = ledger.ApplyBalanceDelta(context.Background(), -1)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	p, _ := store.Read(context.Background())
	assert.Equal(t, -50, p.Balance)

	bal, err = ledger.ApplyBalanceDelta(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, -47, bal)
}

func TestLedger_Price(t *testing.T) {
	ledger, _ := newTestLedger(80, 0)

	tests := []struct {
		opt  domain.InterventionOption
		want int
	}{
		{domain.InterventionOption{ActionType: domain.ActionCloseTab}, 5},
		{domain.InterventionOption{ActionType: domain.ActionCloseWindow}, 5},
		{domain.InterventionOption{ActionType: domain.ActionMinimizeWindow}, 2},
		{domain.InterventionOption{ActionType: domain.ActionWhitelistTemp}, 20},
		{domain.InterventionOption{ActionType: domain.ActionBlockApp}, 15},
		{domain.InterventionOption{ActionType: domain.ActionStrictMode}, -10},
		{domain.InterventionOption{ActionType: domain.ActionDismiss}, 0},
		{domain.InterventionOption{ActionType: domain.ActionSnooze, Payload: map[string]any{"duration_minutes": 10}}, 5},
		{domain.InterventionOption{ActionType: domain.ActionSnooze, Payload: map[string]any{"duration_minutes": 5}}, 3},
		{domain.InterventionOption{ActionType: domain.ActionSnooze, Payload: map[string]any{"duration_minutes": 30}}, 15},
		{domain.InterventionOption{ActionType: domain.ActionSnooze}, 5},
		{domain.InterventionOption{ActionType: domain.ActionSnooze, Payload: map[string]any{"duration_minutes": 0}}, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ledger.Price(tt.opt), "%s %v", tt.opt.ActionType, tt.opt.Payload)
	}
}

// TestLedger_StreakPricing verifies consecutive distractions raise paid
// prices, consecutive focus lowers them, and rebates and free actions are
// left alone.
func TestLedger_StreakPricing(t *testing.T) {
	whitelist := domain.InterventionOption{ActionType: domain.ActionWhitelistTemp}
	minimize := domain.InterventionOption{ActionType: domain.ActionMinimizeWindow}
	strict := domain.InterventionOption{ActionType: domain.ActionStrictMode}
	dismiss := domain.InterventionOption{ActionType: domain.ActionDismiss}

	tests := []struct {
		name     string
		verdicts []bool
		want     map[domain.ActionType]int
	}{
		{"no history", nil, map[domain.ActionType]int{domain.ActionWhitelistTemp: 20, domain.ActionMinimizeWindow: 2}},
		{"two distractions", []bool{true, true}, map[domain.ActionType]int{domain.ActionWhitelistTemp: 28, domain.ActionMinimizeWindow: 3}},
		{"focus resets distractions", []bool{true, true, false, false, false}, map[domain.ActionType]int{domain.ActionWhitelistTemp: 14, domain.ActionMinimizeWindow: 1}},
		{"discount bottoms out", repeat(false, 12), map[domain.ActionType]int{domain.ActionWhitelistTemp: 10, domain.ActionMinimizeWindow: 1}},
		{"surcharge tops out", repeat(true, 9), map[domain.ActionType]int{domain.ActionWhitelistTemp: 40, domain.ActionMinimizeWindow: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, _ := newTestLedger(80, 0)
			for _, v := range tt.verdicts {
				ledger.RecordVerdict(v)
			}
			assert.Equal(t, tt.want[domain.ActionWhitelistTemp], ledger.Price(whitelist))
			assert.Equal(t, tt.want[domain.ActionMinimizeWindow], ledger.Price(minimize))
			assert.Equal(t, -10, ledger.Price(strict), "rebates ignore the streak")
			assert.Equal(t, 0, ledger.Price(dismiss))
		})
	}

	ledger, _ := newTestLedger(80, 0)
	ledger.RecordVerdict(true)
	_, err := ledger.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Streak{}, ledger.Streak(), "reset clears the streak")
}

func repeat(v bool, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// TestLedger_Gate verifies unaffordable options are disabled and the input is untouched.
func TestLedger_Gate(t *testing.T) {
	ledger, _ := newTestLedger(80, 5)
	opts := []domain.InterventionOption{
		{ActionType: domain.ActionCloseTab},
		{ActionType: domain.ActionWhitelistTemp},
		{ActionType: domain.ActionStrictMode},
		{ActionType: domain.ActionSnooze, Payload: map[string]any{"duration_minutes": 20}},
		{ActionType: domain.ActionBlockApp, Disabled: true, DisabledReason: "trust too low"},
	}

	gated := ledger.Gate(domain.TrustProfile{Balance: 5}, opts)

	assert.False(t, gated[0].Disabled)
	assert.True(t, gated[1].Disabled)
	assert.Equal(t, InsufficientBalanceReason, gated[1].DisabledReason)
	assert.False(t, gated[2].Disabled, "rebates are always affordable")
	assert.True(t, gated[3].Disabled)
	assert.Equal(t, "trust too low", gated[4].DisabledReason)
	assert.False(t, opts[1].Disabled, "input must not be modified")
}

func TestLedger_Settle(t *testing.T) {
	ledger, store := newTestLedger(70, 10)

	p, err := ledger.Settle(context.Background(), domain.ActionCloseTab, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 72, p.TrustScore)
	assert.Equal(t, 5, p.Balance)

	_, err = ledger.Settle(context.Background(), domain.ActionWhitelistTemp, -1, 20)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	p, _ = store.Read(context.Background())
	assert.Equal(t, 72, p.TrustScore, "rejected settle must not change trust")
	assert.Equal(t, 5, p.Balance)

	p, err = ledger.Settle(context.Background(), domain.ActionStrictMode, 1, -10)
	require.NoError(t, err)
	assert.Equal(t, 15, p.Balance)
}

func TestLedger_Penalize(t *testing.T) {
	ledger, _ := newTestLedger(80, 0)

	p, err := ledger.Penalize(context.Background(), 1, "steam relaunched")
	require.NoError(t, err)
	assert.Equal(t, -1, p.Balance)

	ledger, _ = newTestLedger(80, -50)
	p, err = ledger.Penalize(context.Background(), 1, "steam relaunched")
	require.NoError(t, err)
	assert.Equal(t, -50, p.Balance)
}

func TestLedger_Mine(t *testing.T) {
	ledger, store := newTestLedger(80, 0)

	for i := 0; i < 3; i++ {
		_, err := ledger.Mine(context.Background())
		require.NoError(t, err)
	}
	p, _ := store.Read(context.Background())
	assert.Equal(t, 3, p.Balance)
	assert.Equal(t, "mining", store.Deltas()[0].Reason)
}

func TestLedger_StoreFailure(t *testing.T) {
	ledger, store := newTestLedger(80, 0)
	store.Err = errors.New("disk full")

	_, err := ledger.Profile(context.Background())
	assert.Error(t, err)
	_, err = ledger.Mine(context.Background())
	assert.Error(t, err)
}

// TestLedger_SettleFailureReportsLastKnown verifies a failed write reports
// the last profile the ledger saw instead of zero values.
func TestLedger_SettleFailureReportsLastKnown(t *testing.T) {
	ledger, store := newTestLedger(75, 30)
	_, err := ledger.Settle(context.Background(), domain.ActionCloseTab, 2, 5)
	require.NoError(t, err)

	store.Err = errors.New("disk full")
	p, err := ledger.Settle(context.Background(), domain.ActionCloseWindow, 1, 5)
	require.Error(t, err)
	assert.Equal(t, 77, p.TrustScore)
	assert.Equal(t, 25, p.Balance)
	assert.Equal(t, p, ledger.LastKnown())
}

func TestLedger_Reset(t *testing.T) {
	ledger, _ := newTestLedger(12, 40)

	p, err := ledger.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.InitialTrust, p.TrustScore)
	assert.Equal(t, 0, p.Balance)
}
