package quota

import "time"

const (
	// recoveryBuffer is the extra time to wait after a reset before refreshing.
	recoveryBuffer   = 10 * time.Second
	minRecoveryDelay = time.Second
)

// nextRecovery returns when the earliest exhausted model resets, plus a
// buffer. ok is false when no exhausted model has a usable reset time.
func nextRecovery(snapshot *Snapshot) (time.Time, bool) {
	if snapshot == nil {
		return time.Time{}, false
	}
	var earliest time.Time
	for _, m := range snapshot.Models {
		if !m.Exhausted {
			continue
		}
		reset, ok := parseResetTime(m.ResetTime)
		if !ok {
			continue
		}
		if earliest.IsZero() || reset.Before(earliest) {
			earliest = reset
		}
	}
	if earliest.IsZero() {
		return time.Time{}, false
	}
	return earliest.Add(recoveryBuffer), true
}

// recoveryDelay shortens interval so the first poll after an exhausted
// model's reset happens promptly. Resets already in the past keep the
// regular interval.
func recoveryDelay(snapshot *Snapshot, interval time.Duration, now time.Time) time.Duration {
	refreshAt, ok := nextRecovery(snapshot)
	if !ok {
		return interval
	}
	delay := refreshAt.Sub(now)
	if delay <= 0 {
		return interval
	}
	if delay < minRecoveryDelay {
		delay = minRecoveryDelay
	}
	if delay < interval {
		return delay
	}
	return interval
}
