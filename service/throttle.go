package service

import (
	"sort"
	"time"
)

// Defaults for NewThrottler.
var (
	DefaultAlertCooldown     = 5 * time.Minute
	DefaultBatteryThresholds = []int{20, 10, 5}
)

// Throttler decides which alerts may fire. It holds no per-agent state itself;
// the registry passes in what it recorded for the agent.
type Throttler struct {
	cooldown   time.Duration
	thresholds []int // ascending
}

// NewThrottler returns a throttler with the given geofence cooldown and battery thresholds.
// A negative cooldown or an empty threshold list selects the default.
func NewThrottler(cooldown time.Duration, thresholds []int) *Throttler {
	if cooldown < 0 {
		cooldown = DefaultAlertCooldown
	}
	if len(thresholds) == 0 {
		thresholds = DefaultBatteryThresholds
	}
	sorted := append([]int(nil), thresholds...)
	sort.Ints(sorted)
	return &Throttler{cooldown: cooldown, thresholds: sorted}
}

// AllowExit reports whether a geofence_exit alert may fire at now,
// given the time of the agent's last one.
func (t *Throttler) AllowExit(lastAlertAt *time.Time, now time.Time) bool {
	return lastAlertAt == nil || now.Sub(*lastAlertAt) >= t.cooldown
}

// BatteryCrossed reports whether going from prev to cur crosses a threshold downwards
// (prev > threshold >= cur). When several are crossed at once the lowest is returned,
// so one sample raises at most one alert.
func (t *Throttler) BatteryCrossed(prev, cur int) (int, bool) {
	if prev < 0 || cur < 0 || cur >= prev {
		return 0, false
	}
	for _, th := range t.thresholds {
		if prev > th && th >= cur {
			return th, true
		}
	}
	return 0, false
}
