// Package render prints quota snapshots for humans and for scripts.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/weiro2020/opencode-antigravity-stats/internal/quota"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	ruleWidth = 55
	barWidth  = 20
)

// Options controls text output.
type Options struct {
	Color bool
	// Now is the reference time for reset countdowns; defaults to time.Now.
	Now func() time.Time
}

type theme struct {
	Title  lipgloss.Style
	Live   lipgloss.Style
	Cached lipgloss.Style
	Green  lipgloss.Style
	Yellow lipgloss.Style
	Red    lipgloss.Style
}

func newTheme(w io.Writer, color bool) theme {
	renderer := lipgloss.NewRenderer(w)
	if color {
		renderer.SetColorProfile(termenv.ANSI)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}
	plain := renderer.NewStyle()
	if !color {
		return theme{Title: plain, Live: plain, Cached: plain, Green: plain, Yellow: plain, Red: plain}
	}
	green := plain.Foreground(lipgloss.Color("10"))
	return theme{
		Title:  plain.Bold(true),
		Live:   green,
		Cached: plain.Faint(true),
		Green:  green,
		Yellow: plain.Foreground(lipgloss.Color("11")),
		Red:    plain.Foreground(lipgloss.Color("9")),
	}
}

// Text writes the human readable report.
func Text(w io.Writer, snap *quota.Snapshot, opts Options) error {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	th := newTheme(w, opts.Color)
	printer := message.NewPrinter(language.English)

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(th.Title.Render("Antigravity Quota Status") + "\n")
	b.WriteString(strings.Repeat("=", ruleWidth) + "\n")
	if snap.Cached() {
		b.WriteString(th.Cached.Render("[CACHED - "+quota.FormatAge(snap.Age)+"]") + "\n")
	} else {
		b.WriteString(th.Live.Render("[LIVE]") + "\n")
	}
	fmt.Fprintf(&b, "Email: %s\n", snap.Email)
	fmt.Fprintf(&b, "Plan: %s\n", snap.PlanName)
	if snap.PromptCredits.Monthly > 0 {
		b.WriteString(printer.Sprintf("Prompt Credits: %d / %d\n", snap.PromptCredits.Available, snap.PromptCredits.Monthly))
	}

	b.WriteString("\n")
	b.WriteString(th.Title.Render("Quota por Grupo:") + "\n")
	b.WriteString(strings.Repeat("-", ruleWidth) + "\n")

	groups := quota.GroupModels(snap.Models)
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].RemainingPercent < groups[j].RemainingPercent
	})
	for _, g := range groups {
		style := th.Red
		switch {
		case g.RemainingPercent >= 70:
			style = th.Green
		case g.RemainingPercent >= 30:
			style = th.Yellow
		}
		fmt.Fprintf(&b, "  %-18s %s %5.1f%% (%s)\n",
			g.Name, style.Render(Bar(g.RemainingPercent)), g.RemainingPercent,
			quota.FormatTimeUntilReset(g.ResetTime, now()))
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Bar draws a fixed width gauge for a percentage.
func Bar(percent float64) string {
	filled := int(math.Floor(percent / 100 * barWidth))
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

type groupJSON struct {
	Name             string   `json:"name"`
	RemainingPercent float64  `json:"remaining_percent"`
	ResetTime        string   `json:"reset_time"`
	TimeUntilReset   string   `json:"time_until_reset"`
	Models           []string `json:"models"`
}

type modelJSON struct {
	Label            string  `json:"label"`
	ModelID          string  `json:"model_id"`
	RemainingPercent float64 `json:"remaining_percent"`
	ResetTime        string  `json:"reset_time"`
	TimeUntilReset   string  `json:"time_until_reset"`
	Exhausted        bool    `json:"is_exhausted"`
}

type snapshotJSON struct {
	Email           string        `json:"email"`
	PlanName        string        `json:"plan_name"`
	Timestamp       string        `json:"timestamp"`
	IsCached        bool          `json:"is_cached"`
	CacheAgeSeconds int64         `json:"cache_age_seconds"`
	PromptCredits   quota.Credits `json:"prompt_credits"`
	FlowCredits     quota.Credits `json:"flow_credits"`
	Groups          []groupJSON   `json:"groups"`
	Models          []modelJSON   `json:"models"`
}

// JSON writes the machine readable report. Groups keep the fixed pool order.
func JSON(w io.Writer, snap *quota.Snapshot, now time.Time) error {
	out := snapshotJSON{
		Email:           snap.Email,
		PlanName:        snap.PlanName,
		Timestamp:       snap.CapturedAt.UTC().Format(time.RFC3339Nano),
		IsCached:        snap.Cached(),
		CacheAgeSeconds: int64(snap.Age / time.Second),
		PromptCredits:   snap.PromptCredits,
		FlowCredits:     snap.FlowCredits,
		Groups:          []groupJSON{},
		Models:          []modelJSON{},
	}
	for _, g := range quota.GroupModels(snap.Models) {
		out.Groups = append(out.Groups, groupJSON{
			Name:             g.Name,
			RemainingPercent: g.RemainingPercent,
			ResetTime:        g.ResetTime,
			TimeUntilReset:   quota.FormatTimeUntilReset(g.ResetTime, now),
			Models:           g.Members,
		})
	}
	for _, m := range snap.Models {
		out.Models = append(out.Models, modelJSON{
			Label:            m.Label,
			ModelID:          m.ModelID,
			RemainingPercent: m.RemainingPercent,
			ResetTime:        m.ResetTime,
			TimeUntilReset:   quota.FormatTimeUntilReset(m.ResetTime, now),
			Exhausted:        m.Exhausted,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}
