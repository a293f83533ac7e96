// Package policy implements the deterministic three-tier priority policy that
// runs before (and sometimes instead of) the LLM judgment.
package policy

import (
	"path"
	"strings"
	"unicode"
)

// Rules holds the tunable keyword sets and thresholds.
type Rules struct {
	// WorkApps are app-name globs for dedicated work tools (Tier 1).
	WorkApps []string `yaml:"work_apps"`
	// WorkTitleKeywords identify work tools by window title (Tier 1).
	WorkTitleKeywords []string `yaml:"work_title_keywords"`
	// GenericApps are app-name globs for tools that can be either (Tier 2).
	GenericApps []string `yaml:"generic_apps"`

	WorkKeywords    []string `yaml:"work_keywords"`
	LeisureKeywords []string `yaml:"leisure_keywords"`
	// LeisureDomains are url substrings; a url hit weighs more than a title hit.
	LeisureDomains []string `yaml:"leisure_domains"`

	AmbiguityThreshold float64 `yaml:"ambiguity_threshold"`
	TrendThreshold     float64 `yaml:"trend_threshold"`
	StrictAdjust       float64 `yaml:"strict_adjust"`
	LenientAdjust      float64 `yaml:"lenient_adjust"`
	GoalTermMinLen     int     `yaml:"goal_term_min_len"`
}

// DefaultRules returns the built-in keyword sets.
func DefaultRules() Rules {
	return Rules{
		WorkApps: []string{
			"code", "code.exe", "code-oss", "cursor*", "idea*", "pycharm*", "goland*",
			"eclipse*", "netbeans*", "xcode", "android studio*", "studio64*",
			"vim", "nvim", "gvim", "emacs*", "notepad++*", "sublime_text*", "atom*",
			"editor*", "gnome-terminal*", "konsole", "alacritty", "kitty", "wezterm*",
			"winword*", "excel*", "powerpnt*", "libreoffice*", "soffice*", "figma*",
		},
		WorkTitleKeywords: []string{
			"visual studio code", "intellij idea", "pycharm", "goland", "sublime text",
			"libreoffice", "microsoft word", "microsoft excel",
		},
		GenericApps: []string{
			"chrome*", "google-chrome*", "chromium*", "msedge*", "microsoft-edge*",
			"firefox*", "brave*", "safari", "opera*", "vivaldi*",
			"chatgpt*", "claude*",
		},
		WorkKeywords: []string{
			"code", "python", "javascript", "typescript", "golang", "java", "c++",
			"github", "gitlab", "bitbucket", "documentation", "docs", "api",
			"stack overflow", "stackoverflow", "terminal", "console",
			"figma", "design", "prototype", "document", "report", "paper",
			"claude", "chatgpt", "gemini", "copilot",
		},
		LeisureKeywords: []string{
			"bilibili", "youtube", "tiktok", "douyin", "netflix", "hulu", "disney",
			"twitter", "weibo", "instagram", "facebook", "reddit", "tieba",
			"game", "steam", "epic", "twitch", "novel", "comic", "manga",
		},
		LeisureDomains: []string{
			"youtube.com", "bilibili.com", "tiktok.com", "douyin.com", "netflix.com",
			"twitter.com", "//x.com", "weibo.com", "instagram.com", "facebook.com",
			"reddit.com", "twitch.tv",
		},
		AmbiguityThreshold: 0.7,
		TrendThreshold:     0.5,
		StrictAdjust:       -0.15,
		LenientAdjust:      0.2,
		GoalTermMinLen:     4,
	}
}

// matchApp reports whether app matches any glob. Patterns without glob
// metacharacters must match exactly. Matching is case-insensitive.
func matchApp(app string, globs []string) bool {
	app = strings.ToLower(strings.TrimSpace(app))
	if app == "" {
		return false
	}
	for _, g := range globs {
		g = strings.ToLower(g)
		if !strings.ContainsAny(g, "*?[") {
			if g == app {
				return true
			}
			continue
		}
		if ok, err := path.Match(g, app); err == nil && ok {
			return true
		}
	}
	return false
}

// matchKeywords returns the keywords that occur in text (lowercased).
func matchKeywords(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// goalTerms splits the goal text into lowercased words of at least minLen runes.
func goalTerms(goal string, minLen int) []string {
	fields := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var terms []string
	for _, f := range fields {
		if len([]rune(f)) >= minLen {
			terms = append(terms, f)
		}
	}
	return terms
}
