//go:build integration

package integration

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/aggregator"
	"github.com/eliteGoblin/focusd/focusguard/internal/daemon"
	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/internal/economy"
	"github.com/eliteGoblin/focusd/focusguard/internal/infra"
	"github.com/eliteGoblin/focusd/focusguard/internal/judgment"
	"github.com/eliteGoblin/focusd/focusguard/internal/policy"
	"github.com/eliteGoblin/focusd/focusguard/internal/usecase"
	"github.com/eliteGoblin/focusd/focusguard/test/fixtures"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// scriptedBackend answers every prompt with the same raw response.
type scriptedBackend struct {
	mu       sync.Mutex
	response string
	calls    int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(ctx context.Context, prompt string, schema *domain.Schema) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.response, nil
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

const distractedResponse = "```json\n" + `{
  "is_distracted": true,
  "confidence": 0.8,
  "analysis_summary": "an unknown app has held focus for a minute",
  "options": [
    {"label": "Allow it for an hour", "action_type": "WHITELIST_TEMP", "payload": {"app": "mystery.exe", "duration_hours": 1}, "trust_impact": -3, "style": "normal"},
    {"label": "Close it", "action_type": "CLOSE_WINDOW", "payload": {"keyword": "Untitled"}, "trust_impact": 2, "style": "primary"},
    {"label": "It's work", "action_type": "DISMISS", "payload": {}, "trust_impact": -1, "style": "normal"}
  ]
}` + "\n```"

var _ = Describe("Supervision cycle", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		errCh     chan error
		clock     *fixtures.Clock
		profile   *infra.ProfileDB
		activity  *infra.ActivityDB
		presenter *fixtures.Presenter
		windows   *fixtures.Enforcement
		backend   *scriptedBackend
		sup       *daemon.Supervisor
	)

	// start wires the supervisor over real stores and runs it.
	start := func(judge daemon.Judge) {
		logger := zap.NewNop()
		ledger := economy.NewLedger(profile, economy.DefaultConfig(), logger)
		dispatcher := usecase.NewDispatcher(usecase.DispatcherDeps{
			Ledger:      ledger,
			Pending:     usecase.NewPendingSet(clock, nil, logger),
			Whitelist:   usecase.NewExpiringSet(clock),
			Closed:      usecase.NewExpiringSet(clock),
			Enforcement: windows,
			Activity:    activity,
			Audit:       activity,
			Clock:       clock,
		}, usecase.DefaultDispatcherConfig(), logger)

		config := daemon.DefaultConfig()
		config.Interval = time.Hour
		config.StrictInterval = time.Hour
		config.ExpiryInterval = time.Hour

		sup = daemon.New(config, daemon.Deps{
			Aggregator:   aggregator.New(aggregator.DefaultConfig(), activity, logger).WithSessions(activity),
			Policy:       policy.New(policy.DefaultRules()),
			Judge:        judge,
			OptionPolicy: judgment.DefaultConfig(),
			Dispatcher:   dispatcher,
			Ledger:       ledger,
			Goals:        profile,
			Presenter:    presenter,
			Log:          activity,
			Clock:        clock,
		}, logger)

		errCh = make(chan error, 1)
		go func() { errCh <- sup.Run(ctx) }()
	}

	record := func(recs ...domain.ActivityRecord) {
		for _, r := range recs {
			Expect(activity.Append(ctx, r)).To(Succeed())
		}
	}

	shown := func() domain.Judgment {
		var j domain.Judgment
		Eventually(presenter.Shown, 2*time.Second).Should(Receive(&j))
		return j
	}

	history := func() []domain.AuditRecord {
		h, err := activity.History(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		errCh = nil
		dataDir := GinkgoT().TempDir()

		key, err := infra.EnsureKey(infra.NewFileKeyProvider(dataDir))
		Expect(err).NotTo(HaveOccurred())
		profile, err = infra.OpenProfileDB(dataDir, key, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		activity, err = infra.OpenActivityDB(ctx, dataDir, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		_, err = profile.SetGoal(ctx, "write quarterly report")
		Expect(err).NotTo(HaveOccurred())
		_, err = profile.ApplyDelta(ctx, domain.ProfileDelta{Balance: 10, Reason: "mining"})
		Expect(err).NotTo(HaveOccurred())

		clock = fixtures.NewClock(t0)
		presenter = fixtures.NewPresenter()
		backend = &scriptedBackend{response: distractedResponse}
	})

	AfterEach(func() {
		cancel()
		if errCh != nil {
			Eventually(errCh, 2*time.Second).Should(Receive(MatchError(context.Canceled)))
		}
		Expect(activity.Close()).To(Succeed())
		Expect(profile.Close()).To(Succeed())
	})

	Context("when the user is watching videos in a browser", func() {
		BeforeEach(func() {
			windows = fixtures.NewEnforcement(
				&fixtures.Window{ID: "w1", Title: "YouTube - cats - Google Chrome", Tabs: []string{"Inbox - Google Chrome"}},
				&fixtures.Window{ID: "w2", Title: "report.docx - LibreOffice Writer"},
			)
			record(fixtures.NewStream(t0, 3*time.Second).
				Browse("chrome.exe", "YouTube - cats", "https://youtube.com/watch", 20).
				Records()...)
		})

		It("offers to close the tab without asking the LLM and settles the choice", func() {
			start(judgment.NewClient(backend, judgment.DefaultConfig(), zap.NewNop()))
			sup.Trigger()

			j := shown()
			Expect(j.IsDistracted).To(BeTrue())
			Expect(j.Options[0].ActionType).To(Equal(domain.ActionCloseTab))
			Expect(j.Options[0].PayloadString("keyword")).To(Equal("youtube"))
			Expect(backend.Calls()).To(BeZero())

			presenter.Select(domain.ActionCloseTab)
			Eventually(history, 2*time.Second).Should(HaveLen(1))

			rec := history()[0]
			Expect(rec.ActionType).To(Equal(domain.ActionCloseTab))
			Expect(rec.Goal).To(Equal("write quarterly report"))
			Expect(rec.Cost).To(Equal(5))

			p, err := profile.Read(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.TrustScore).To(Equal(82))
			Expect(p.Balance).To(Equal(5))

			Expect(windows.CallLog()).To(ContainElement("ctrl+w"))
			remaining, err := activity.Query(ctx, t0.Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining).To(BeEmpty(), "closed tab activity is purged")
			Eventually(sup.State, time.Second).Should(Equal(daemon.StateIdle))
		})
	})

	Context("when an unknown app holds focus", func() {
		BeforeEach(func() {
			windows = fixtures.NewEnforcement(&fixtures.Window{ID: "w3", Title: "Untitled"})
			record(fixtures.NewStream(t0, 3*time.Second).Dwell("mystery.exe", "Untitled", 20).Records()...)
		})

		It("asks the LLM and gates what the balance cannot pay for", func() {
			start(judgment.NewClient(backend, judgment.DefaultConfig(), zap.NewNop()))
			sup.Trigger()

			j := shown()
			Expect(backend.Calls()).To(Equal(1))

			allow, ok := j.Option(domain.ActionWhitelistTemp)
			Expect(ok).To(BeTrue())
			Expect(allow.Disabled).To(BeTrue(), "whitelisting costs 20, balance is 10")

			presenter.Select(domain.ActionDismiss)
			Eventually(history, 2*time.Second).Should(HaveLen(1))

			p, err := profile.Read(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.TrustScore).To(Equal(79))
			Expect(p.Balance).To(Equal(10))
		})

		It("stays quiet without a judgment backend", func() {
			start(nil)
			sup.Trigger()

			Consistently(presenter.Shown, 200*time.Millisecond).ShouldNot(Receive())
			Expect(history()).To(BeEmpty())
		})
	})

	Context("after a cease fire", func() {
		BeforeEach(func() {
			windows = fixtures.NewEnforcement()
			record(fixtures.NewStream(t0, 3*time.Second).
				Browse("chrome.exe", "YouTube - cats", "https://youtube.com/watch", 20).
				Records()...)
		})

		It("records the cease fire and skips cycles during the cooldown", func() {
			start(nil)
			sup.CeaseFire()

			Eventually(history, 2*time.Second).Should(ContainElement(
				HaveField("ActionType", domain.ActionForceCeaseFire)))

			sup.Trigger()
			Consistently(presenter.Shown, 200*time.Millisecond).ShouldNot(Receive())

			clock.Advance(181 * time.Second)
			sup.Trigger()
			Expect(shown().IsDistracted).To(BeTrue())
		})
	})
})
