package models

// RawEvent is a single low-level sensor trigger reported by a node.
type RawEvent struct {
	UnitNum       int
	EventCodeType string
	EventCode     string
	DeviceEpoch   int64
}

// Presence is the presence label carried by a unit state snapshot.
type Presence string

const (
	PresencePresent Presence = "P"
	PresenceAbsent  Presence = "A"
)

// UnitState is a periodic presence snapshot for a device.
type UnitState struct {
	UnitNum     int
	Presence    Presence
	DeviceEpoch int64
}

var eventTypeText = map[string]string{
	"M": "Motion Detector",
	"O": "Door",
}

var eventCodeText = map[string]string{
	"O": "Opened",
	"C": "Closed",
	"D": "Detected",
}

// TypeText returns a display name for the event code type, or the raw code when unknown.
func (e RawEvent) TypeText() string {
	if text, ok := eventTypeText[e.EventCodeType]; ok {
		return text
	}
	return e.EventCodeType
}

// CodeText returns a display name for the event code, or the raw code when unknown.
func (e RawEvent) CodeText() string {
	if text, ok := eventCodeText[e.EventCode]; ok {
		return text
	}
	return e.EventCode
}
