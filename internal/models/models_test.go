package models

import (
	"testing"
	"time"
)

func TestParseConfidence(t *testing.T) {
	c, err := ParseConfidence(" high ")
	if err != nil || c != ConfidenceHigh {
		t.Fatalf("ParseConfidence = %q, %v", c, err)
	}
	if _, err := ParseConfidence("probable"); err == nil {
		t.Fatalf("expected error for unknown confidence")
	}
	if !(ConfidenceCertain.Rank() > ConfidenceHigh.Rank() && ConfidenceMedium.Rank() > ConfidenceLow.Rank()) {
		t.Fatalf("unexpected confidence ordering")
	}
	if Confidence("other").Rank() != 0 {
		t.Fatalf("unknown confidence must rank 0")
	}
}

func TestRawEventText(t *testing.T) {
	ev := RawEvent{EventCodeType: "O", EventCode: "C"}
	if ev.TypeText() != "Door" || ev.CodeText() != "Closed" {
		t.Fatalf("unexpected text: %s %s", ev.TypeText(), ev.CodeText())
	}
	unknown := RawEvent{EventCodeType: "X", EventCode: "Z"}
	if unknown.TypeText() != "X" || unknown.CodeText() != "Z" {
		t.Fatalf("unknown codes must pass through")
	}
}

func TestApplyAndHistory(t *testing.T) {
	rec := ResolvedEvent{ID: "rec-1", ResolutionName: "EVENT_Garage_Opened", AnchorEpoch: 1000}
	at := time.Unix(5000, 0).UTC()
	rec.Apply(ResolutionUpdate{
		ResolutionName: "EVENT_Garage_Closed",
		Confidence:     ConfidenceMedium,
		TreePath:       "EVENT_Garage_Opened.EVENT_Garage_Closed",
		AnchorEpoch:    1120,
	}, at)

	if rec.AnchorEpoch != 1120 || !rec.LastUpdatedAt.Equal(at) || rec.DeviceTime().Unix() != 1120 {
		t.Fatalf("update not applied: %+v", rec)
	}
	entry := rec.HistoryEntry(at)
	if entry.ResolvedEventID != "rec-1" || entry.TreePath != rec.TreePath {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
}
