// Package quota turns GetUserStatus responses into snapshots, keeps the last
// one on disk and decides between live and cached data.
package quota

import "time"

// Origin tells whether a snapshot came from the server or the cache.
type Origin int

const (
	OriginLive Origin = iota
	OriginCached
)

func (o Origin) String() string {
	if o == OriginCached {
		return "CACHED"
	}
	return "LIVE"
}

// ModelQuota is the remaining quota of one model as reported by the server.
type ModelQuota struct {
	Label            string  `json:"label"`
	ModelID          string  `json:"model_id"`
	RemainingPercent float64 `json:"remaining_percent"`
	// ResetTime is kept as the server sent it; it is parsed only for display.
	ResetTime string `json:"reset_time"`
	Exhausted bool   `json:"is_exhausted"`
}

// RemainingFraction returns the remaining quota in [0,1].
func (m ModelQuota) RemainingFraction() float64 {
	return m.RemainingPercent / 100
}

// Credits is an available/monthly pair.
type Credits struct {
	Available int64 `json:"available"`
	Monthly   int64 `json:"monthly"`
}

// Snapshot is the quota state of one account at CapturedAt.
type Snapshot struct {
	Email         string
	PlanName      string
	Models        []ModelQuota
	CapturedAt    time.Time
	PromptCredits Credits
	FlowCredits   Credits
	Origin        Origin
	// Age is zero for live snapshots.
	Age time.Duration
}

// Cached reports whether the snapshot was loaded from the cache.
func (s *Snapshot) Cached() bool {
	return s != nil && s.Origin == OriginCached
}

// Group is the shared quota of several models. Groups are derived on demand
// and never stored.
type Group struct {
	Name             string
	RemainingPercent float64
	ResetTime        string
	Members          []string
}
