package quota

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/registry"
)

// ParseUserStatus builds a live snapshot from a JSON GetUserStatus response.
// Models keep the order the server sent them in.
func ParseUserStatus(payload []byte, capturedAt time.Time) (*Snapshot, error) {
	if !gjson.ValidBytes(payload) {
		return nil, apperr.Protocol("parse user status", "response is not valid JSON", fmt.Errorf("%d bytes", len(payload)))
	}
	root := gjson.ParseBytes(payload)
	status := root.Get("userStatus")
	if !status.IsObject() {
		return nil, apperr.Protocol("parse user status", "response has no userStatus object", nil)
	}

	plan := status.Get("planStatus")
	planInfo := plan.Get("planInfo")
	snapshot := &Snapshot{
		Email:      status.Get("email").String(),
		PlanName:   stringOr(planInfo.Get("planName"), "Unknown"),
		CapturedAt: capturedAt.UTC(),
		Origin:     OriginLive,
		PromptCredits: Credits{
			Available: plan.Get("availablePromptCredits").Int(),
			Monthly:   planInfo.Get("monthlyPromptCredits").Int(),
		},
		FlowCredits: Credits{
			Available: plan.Get("availableFlowCredits").Int(),
			Monthly:   planInfo.Get("monthlyFlowCredits").Int(),
		},
	}

	status.Get("cascadeModelConfigData.clientModelConfigs").ForEach(func(_, cfg gjson.Result) bool {
		snapshot.Models = append(snapshot.Models, parseModelConfig(cfg))
		return true
	})
	return snapshot, nil
}

func parseModelConfig(cfg gjson.Result) ModelQuota {
	fraction := 1.0
	if remaining := cfg.Get("quotaInfo.remainingFraction"); remaining.Exists() {
		fraction = remaining.Float()
	}
	modelID := "unknown"
	if model := cfg.Get("modelOrAlias.model"); model.Exists() {
		modelID = model.String()
	} else if alias := cfg.Get("modelOrAlias.alias"); alias.Exists() {
		modelID = alias.String()
	}
	percent := clampPercent(fraction * 100)
	return ModelQuota{
		Label:            stringOr(cfg.Get("label"), "Unknown"),
		ModelID:          modelID,
		RemainingPercent: percent,
		ResetTime:        cfg.Get("quotaInfo.resetTime").String(),
		Exhausted:        percent == 0,
	}
}

// GroupModels folds models into the shared quota pools. The first model seen
// in a pool supplies its percentage and reset time. Empty pools are left out
// and the result follows the fixed pool order.
func GroupModels(models []ModelQuota) []Group {
	byName := make(map[string]*Group)
	for _, m := range models {
		name := registry.GetAntigravityQuotaGroup(m.Label)
		if name == "" {
			continue
		}
		g, ok := byName[name]
		if !ok {
			g = &Group{Name: name, RemainingPercent: m.RemainingPercent, ResetTime: m.ResetTime}
			byName[name] = g
		}
		g.Members = append(g.Members, m.Label)
	}

	groups := make([]Group, 0, len(byName))
	for _, name := range registry.QuotaGroupNames() {
		if g, ok := byName[name]; ok {
			groups = append(groups, *g)
		}
	}
	return groups
}

// FormatAge renders a cache age as "Ns ago", "Nm ago" or "XhYm ago".
func FormatAge(age time.Duration) string {
	seconds := int64(age / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds ago", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm ago", seconds/60)
	default:
		return fmt.Sprintf("%dh%dm ago", seconds/3600, (seconds%3600)/60)
	}
}

// FormatTimeUntilReset renders the time left before resetTime: "?" when it is
// missing or unparseable, "Ready" when it has passed, else "XhYm" or "Ym".
func FormatTimeUntilReset(resetTime string, now time.Time) string {
	reset, ok := parseResetTime(resetTime)
	if !ok {
		return "?"
	}
	remaining := reset.Sub(now)
	if remaining <= 0 {
		return "Ready"
	}
	hours := int64(remaining / time.Hour)
	minutes := int64((remaining % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func parseResetTime(value string) (time.Time, bool) {
	ts := strings.TrimSpace(value)
	if ts == "" {
		return time.Time{}, false
	}
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return parsed.UTC(), true
	}
	if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
		return parsed.UTC(), true
	}
	return time.Time{}, false
}

func stringOr(value gjson.Result, fallback string) string {
	if !value.Exists() || value.Type == gjson.Null {
		return fallback
	}
	return value.String()
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
