package geofence

import (
	"sort"
	"time"
)

// DefaultDwellLadderMinutes is the spec default: 5, 10, 15, 30, 60, 120
// minutes of continuous occupancy.
var DefaultDwellLadderMinutes = []int{5, 10, 15, 30, 60, 120}

// CrossedThresholds returns the dwell-ladder thresholds (in minutes)
// that elapsed becomes eligible for as of now, that are not already in
// tracker.Notified, sorted ascending. A burst that jumps past several
// thresholds in one gap fires all of them in ascending order — the
// open question in spec §9 is resolved that way, not "highest only".
func CrossedThresholds(tracker DwellTracker, ladderMinutes []int, now time.Time) []int {
	elapsed := now.Sub(tracker.EntryTime)

	var crossed []int
	for _, t := range ladderMinutes {
		if tracker.Notified[t] {
			continue
		}
		if elapsed >= time.Duration(t)*time.Minute {
			crossed = append(crossed, t)
		}
	}
	sort.Ints(crossed)
	return crossed
}
