package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrResolvedEventNotFound reports an update against a record that no longer exists.
var ErrResolvedEventNotFound = errors.New("resolved event not found")

// Confidence is the ordinal label attached to a rule and to the resolutions it produces.
type Confidence string

const (
	ConfidenceCertain Confidence = "Certain"
	ConfidenceHigh    Confidence = "High"
	ConfidenceMedium  Confidence = "Medium"
	ConfidenceLow     Confidence = "Low"
)

// ParseConfidence maps a label onto a Confidence, ignoring case.
func ParseConfidence(value string) (Confidence, error) {
	for _, c := range []Confidence{ConfidenceCertain, ConfidenceHigh, ConfidenceMedium, ConfidenceLow} {
		if strings.EqualFold(strings.TrimSpace(value), string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown confidence %q", value)
}

// Rank orders confidences; higher is stronger. Unknown values rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceCertain:
		return 4
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// ResolvedEvent tracks the best current inference for one triggering raw event.
type ResolvedEvent struct {
	ID             string
	ResolutionName string
	ResolutionText string
	Confidence     Confidence
	TreePath       string
	Closed         bool
	AnchorEpoch    int64
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

// DeviceTime renders the anchor epoch as a UTC timestamp.
func (r ResolvedEvent) DeviceTime() time.Time {
	return time.Unix(r.AnchorEpoch, 0).UTC()
}

// Apply overwrites the mutable fields of the record with a deeper match.
func (r *ResolvedEvent) Apply(upd ResolutionUpdate, at time.Time) {
	r.ResolutionName = upd.ResolutionName
	r.ResolutionText = upd.ResolutionText
	r.Confidence = upd.Confidence
	r.TreePath = upd.TreePath
	r.AnchorEpoch = upd.AnchorEpoch
	r.LastUpdatedAt = at
}

// ResolutionUpdate is the set of fields replaced when a deeper rule matches.
type ResolutionUpdate struct {
	ResolutionName string
	ResolutionText string
	Confidence     Confidence
	TreePath       string
	AnchorEpoch    int64
}

// ResolutionHistoryEntry is an append-only snapshot of a state a resolved event passed through.
type ResolutionHistoryEntry struct {
	ResolvedEventID string
	ResolutionName  string
	ResolutionText  string
	Confidence      Confidence
	TreePath        string
	AnchorEpoch     int64
	RecordedAt      time.Time
}

// HistoryEntry snapshots the record's current state.
func (r ResolvedEvent) HistoryEntry(at time.Time) ResolutionHistoryEntry {
	return ResolutionHistoryEntry{
		ResolvedEventID: r.ID,
		ResolutionName:  r.ResolutionName,
		ResolutionText:  r.ResolutionText,
		Confidence:      r.Confidence,
		TreePath:        r.TreePath,
		AnchorEpoch:     r.AnchorEpoch,
		RecordedAt:      at,
	}
}
