package engine

import (
	"github.com/homesense/event-resolver/internal/models"
	"github.com/homesense/event-resolver/internal/rules"
)

const (
	// NoMatch is the epoch sentinel for a failed windowed match. Valid epochs are >= 0.
	NoMatch int64 = -1
	// PresenceGraceSeconds allows for state reports lagging the event that triggered them.
	PresenceGraceSeconds int64 = 5
)

// SimpleMatch compares an incoming event tuple against criteria by equality only.
func SimpleMatch(c rules.Criteria, unitNum int, eventCodeType, eventCode string) bool {
	return c.UnitNum == unitNum && c.EventCodeType == eventCodeType && c.EventCode == eventCode
}

// Bounds returns the inclusive evidence window for criteria relative to anchor.
func Bounds(c rules.Criteria, anchor int64) (lower, upper int64) {
	if c.BeforeAnchor {
		return anchor - c.WindowSeconds, anchor
	}
	return anchor, anchor + c.WindowSeconds
}

// WindowedMatch evaluates criteria against evidence around anchor. On success it
// returns the anchor to propagate to refinements: the latest matching event's
// epoch, or anchor itself when the match was an absence.
func WindowedMatch(c rules.Criteria, anchor int64, events []models.RawEvent, states []models.UnitState) (int64, bool) {
	lower, upper := Bounds(c, anchor)

	found := false
	newAnchor := anchor
	for _, ev := range events {
		if ev.UnitNum != c.UnitNum || ev.EventCodeType != c.EventCodeType || ev.EventCode != c.EventCode {
			continue
		}
		if ev.DeviceEpoch < lower || ev.DeviceEpoch > upper {
			continue
		}
		if !found || ev.DeviceEpoch > newAnchor {
			newAnchor = ev.DeviceEpoch
		}
		found = true
	}

	if c.RequirePresence && !presenceReported(c, newAnchor, states) {
		return NoMatch, false
	}
	if found == c.Negate {
		return NoMatch, false
	}
	return newAnchor, true
}

func presenceReported(c rules.Criteria, since int64, states []models.UnitState) bool {
	want := models.PresencePresent
	if c.Negate {
		want = models.PresenceAbsent
	}
	for _, st := range states {
		if st.UnitNum == c.UnitNum && st.DeviceEpoch >= since-PresenceGraceSeconds && st.Presence == want {
			return true
		}
	}
	return false
}
