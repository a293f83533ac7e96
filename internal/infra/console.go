package infra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// DefaultDialogTimeout is how long an intervention waits for an answer.
const DefaultDialogTimeout = 60 * time.Second

// Console presents interventions on a terminal. Answers are read as lines
// from in: an option number or its action type.
type Console struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	logger  *zap.Logger

	startOnce sync.Once
	lines     chan inputLine
	writeMu   sync.Mutex

	title    lipgloss.Style
	box      lipgloss.Style
	primary  lipgloss.Style
	warning  lipgloss.Style
	disabled lipgloss.Style
	faint    lipgloss.Style
	levels   map[domain.NoticeLevel]lipgloss.Style
}

var _ domain.Presentation = (*Console)(nil)

func NewConsole(in io.Reader, out io.Writer, timeout time.Duration, logger *zap.Logger) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		in:       in,
		out:      out,
		timeout:  timeout,
		logger:   logger,
		lines:    make(chan inputLine),
		title:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")),
		box:      r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		primary:  r.NewStyle().Bold(true),
		warning:  r.NewStyle().Foreground(lipgloss.Color("#E5A50A")),
		disabled: r.NewStyle().Faint(true).Strikethrough(true),
		faint:    r.NewStyle().Faint(true),
		levels: map[domain.NoticeLevel]lipgloss.Style{
			domain.NoticeInfo:  r.NewStyle().Foreground(lipgloss.Color("#5FAFD7")),
			domain.NoticeWarn:  r.NewStyle().Foreground(lipgloss.Color("#E5A50A")),
			domain.NoticeError: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#E01B24")),
		},
	}
}

type inputLine struct {
	text string
	at   time.Time
}

// readLines feeds input lines to Present until in is exhausted. Each line
// carries the time it was read so answers typed before a dialog was shown
// can be told apart.
func (c *Console) readLines() {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		c.lines <- inputLine{text: strings.TrimSpace(sc.Text()), at: time.Now()}
	}
	close(c.lines)
}

func (c *Console) print(s string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Present renders the judgment and waits for a valid, enabled choice.
// Lines typed while no dialog was open are discarded.
func (c *Console) Present(ctx context.Context, j domain.Judgment) (domain.Choice, error) {
	shown := time.Now()
	c.startOnce.Do(func() { go c.readLines() })
	c.print(c.render(j))

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	lines := c.lines
	for {
		select {
		case <-ctx.Done():
			return domain.Choice{Kind: domain.ChoiceCancelled}, ctx.Err()
		case <-timer.C:
			c.print(c.faint.Render("No answer, dismissed."))
			return domain.Choice{Kind: domain.ChoiceTimeout}, nil
		case in, ok := <-lines:
			if !ok {
				lines = nil // input closed; wait for the timeout
				continue
			}
			if in.at.Before(shown) {
				c.logger.Debug("stale answer discarded", zap.String("answer", in.text))
				continue
			}
			if in.text == "" {
				continue
			}
			opt, err := pick(j, in.text)
			if err != nil {
				c.print(c.warning.Render(err.Error()))
				continue
			}
			return domain.Choice{Kind: domain.ChoiceSelected, ActionType: opt.ActionType}, nil
		}
	}
}

func pick(j domain.Judgment, answer string) (domain.InterventionOption, error) {
	var opt domain.InterventionOption
	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(j.Options) {
			return opt, fmt.Errorf("choose 1-%d", len(j.Options))
		}
		opt = j.Options[n-1]
	} else {
		found, ok := j.Option(domain.ActionType(strings.ToUpper(answer)))
		if !ok {
			return opt, fmt.Errorf("unknown option %q", answer)
		}
		opt = found
	}
	if opt.Disabled {
		return opt, fmt.Errorf("%s is unavailable: %s", opt.Label, opt.DisabledReason)
	}
	return opt, nil
}

func (c *Console) render(j domain.Judgment) string {
	heading := "FocusGuard"
	if j.Forced {
		heading += " check-in"
	}

	var b strings.Builder
	b.WriteString(c.title.Render(heading))
	b.WriteString("\n")
	if j.AnalysisSummary != "" {
		b.WriteString(j.AnalysisSummary)
		b.WriteString("\n")
	}
	b.WriteString(c.faint.Render(fmt.Sprintf("confidence %.0f%%", j.Confidence*100)))
	b.WriteString("\n")

	for i, o := range j.Options {
		line := fmt.Sprintf("[%d] %s", i+1, o.Label)
		if o.TrustImpact != 0 {
			line += fmt.Sprintf(" (trust %+d)", o.TrustImpact)
		}
		switch {
		case o.Disabled:
			line = c.disabled.Render(line) + c.faint.Render("  "+o.DisabledReason)
		case o.Style == domain.StylePrimary:
			line = c.primary.Render(line)
		case o.Style == domain.StyleWarning:
			line = c.warning.Render(line)
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return c.box.Render(b.String())
}

// Notify prints a notice. Persistent notices are boxed so they stand out in
// scrollback.
func (c *Console) Notify(_ context.Context, n domain.Notice) {
	style, ok := c.levels[n.Level]
	if !ok {
		style = c.levels[domain.NoticeInfo]
	}
	msg := style.Render(strings.ToUpper(string(n.Level))) + " " + n.Message
	if n.Persistent {
		msg = c.box.Render(msg)
	}
	c.print(msg)
	c.logger.Debug("notice shown", zap.String("level", string(n.Level)), zap.String("message", n.Message))
}
