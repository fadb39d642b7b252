// Package firewall classifies routable payload text for prompt-injection and
// escape patterns. Matches accumulate a severity-weighted score; payloads at
// or over the profile threshold are blocked, the rest are sanitized in place.
package firewall

import (
	"regexp"
	"strings"

	"github.com/resonancelabs/rail/internal/monitor"
)

// Profile selects how aggressive the guard is.
type Profile string

const (
	ProfileParanoid Profile = "paranoid"
	ProfileStandard Profile = "standard"
	ProfileRelaxed  Profile = "relaxed"
)

// Threat is one matched pattern class.
type Threat struct {
	Class    string  `json:"class"`
	Severity float64 `json:"severity"`
	Match    string  `json:"match"`
}

// Result is the verdict for one payload.
type Result struct {
	Safe      bool     `json:"safe"`
	Sanitized string   `json:"sanitized"`
	Threats   []Threat `json:"threats,omitempty"`
	Score     float64  `json:"score"`
}

type pattern struct {
	class    string
	severity float64
	re       *regexp.Regexp
}

var patterns = []pattern{
	{"prompt-override", 5.0, regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`)},
	{"prompt-override", 5.0, regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous|earlier)\s+(instructions|rules|context)`)},
	{"role-assumption", 4.0, regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s`)},
	{"role-assumption", 4.0, regexp.MustCompile(`(?i)(act|pretend|behave)\s+as\s+(if\s+you\s+are\s+)?(a|an|the)?\s*(system|admin|root|developer)`)},
	{"system-prompt", 4.0, regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(your\s+)?(system\s+prompt|initial\s+instructions)`)},
	{"tool-escape", 4.5, regexp.MustCompile("(?s)```\\s*(sh|bash|shell)\\b.*?(rm\\s+-rf|curl\\s|wget\\s|sudo\\s)")},
	{"command-escape", 3.5, regexp.MustCompile(`[;&|]\s*(rm|curl|wget|nc|bash|sh)\s`)},
	{"url-scheme", 3.0, regexp.MustCompile(`(?i)javascript:`)},
	{"url-scheme", 3.0, regexp.MustCompile(`(?i)data:[^,]*;base64,`)},
	{"control-chars", 2.0, regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")},
}

const (
	overlongRunLen      = 128
	overlongRunSeverity = 1.5
)

// overlongRun returns a run of overlongRunLen or more identical runes, or ""
// when there is none. RE2 has no backreferences, so this is a plain scan.
func overlongRun(text string) string {
	var prev rune
	runStart, runLen := 0, 0
	for i, r := range text {
		if runLen > 0 && r == prev {
			runLen++
			continue
		}
		if runLen >= overlongRunLen {
			return text[runStart:i]
		}
		prev, runStart, runLen = r, i, 1
	}
	if runLen >= overlongRunLen {
		return text[runStart:]
	}
	return ""
}

var (
	controlChars  = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")
	badURLSchemes = regexp.MustCompile(`(?i)(javascript:|data:[^,]*;base64,)`)
)

func threshold(p Profile) float64 {
	switch p {
	case ProfileParanoid:
		return 2.0
	case ProfileRelaxed:
		return 8.0
	default:
		return 4.5
	}
}

// Guard is the stateful injection-guard middleware.
type Guard struct {
	profile   Profile
	threshold float64
	mon       *monitor.SecurityMonitor
}

// New creates a guard at the given profile. The monitor may be nil.
func New(profile Profile, mon *monitor.SecurityMonitor) *Guard {
	if profile == "" {
		profile = ProfileStandard
	}
	return &Guard{profile: profile, threshold: threshold(profile), mon: mon}
}

// Process classifies text from the given origin. Blocked payloads raise a
// firewall_blocked signal to the security monitor; the sender is never told.
func (g *Guard) Process(text, origin string) Result {
	var threats []Threat
	var score float64
	for _, p := range patterns {
		if m := p.re.FindString(text); m != "" {
			if len(m) > 64 {
				m = m[:64]
			}
			threats = append(threats, Threat{Class: p.class, Severity: p.severity, Match: m})
			score += p.severity
		}
	}
	if m := overlongRun(text); m != "" {
		if len(m) > 64 {
			m = m[:64]
		}
		threats = append(threats, Threat{Class: "overlong-repeat", Severity: overlongRunSeverity, Match: m})
		score += overlongRunSeverity
	}

	if score >= g.threshold {
		if g.mon != nil {
			g.mon.Record(monitor.KindFirewallBlocked, origin, map[string]any{
				"score":   score,
				"threats": len(threats),
			})
		}
		return Result{Safe: false, Sanitized: "", Threats: threats, Score: score}
	}

	sanitized := controlChars.ReplaceAllString(text, " ")
	sanitized = badURLSchemes.ReplaceAllString(sanitized, "")
	sanitized = strings.ToValidUTF8(sanitized, "")
	return Result{Safe: true, Sanitized: sanitized, Threats: threats, Score: score}
}

// Profile returns the active profile.
func (g *Guard) Profile() Profile { return g.profile }
