package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/homesense/event-resolver/internal/models"
)

// ErrMalformed marks a payload that can never be processed and should be dropped.
var ErrMalformed = errors.New("malformed sensor message")

const payloadTypeState = "STATE"

// Message is one decoded sensor payload; exactly one field is set.
type Message struct {
	Event *models.RawEvent
	State *models.UnitState
}

// flexInt accepts both JSON numbers and quoted integers, as sent by older hubs.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = flexInt(v)
	return nil
}

type wireMessage struct {
	PayloadType   string   `json:"payloadType,omitempty"`
	UnitNum       *flexInt `json:"unitNum"`
	EventCodeType string   `json:"eventCodeType,omitempty"`
	EventCode     string   `json:"eventCode,omitempty"`
	Presence      string   `json:"presence,omitempty"`
	DeviceDate    *flexInt `json:"deviceDate,omitempty"`
	DeviceEpoch   *flexInt `json:"deviceEpoch,omitempty"`
}

// Decode parses a JSON sensor payload. Any validation failure wraps ErrMalformed.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.UnitNum == nil || *w.UnitNum < 0 {
		return Message{}, fmt.Errorf("%w: unitNum is required", ErrMalformed)
	}

	epoch := w.DeviceDate
	if epoch == nil {
		epoch = w.DeviceEpoch
	}
	if epoch == nil || *epoch < 0 {
		return Message{}, fmt.Errorf("%w: deviceDate is required", ErrMalformed)
	}

	if strings.EqualFold(w.PayloadType, payloadTypeState) || w.Presence != "" {
		presence := models.Presence(strings.ToUpper(strings.TrimSpace(w.Presence)))
		if presence != models.PresencePresent && presence != models.PresenceAbsent {
			return Message{}, fmt.Errorf("%w: presence must be P or A, got %q", ErrMalformed, w.Presence)
		}
		return Message{State: &models.UnitState{
			UnitNum:     int(*w.UnitNum),
			Presence:    presence,
			DeviceEpoch: int64(*epoch),
		}}, nil
	}

	codeType := strings.TrimSpace(w.EventCodeType)
	code := strings.TrimSpace(w.EventCode)
	if codeType == "" || code == "" {
		return Message{}, fmt.Errorf("%w: eventCodeType and eventCode are required", ErrMalformed)
	}
	return Message{Event: &models.RawEvent{
		UnitNum:       int(*w.UnitNum),
		EventCodeType: codeType,
		EventCode:     code,
		DeviceEpoch:   int64(*epoch),
	}}, nil
}

// EncodeRawEvent renders an event in the wire format Decode accepts.
func EncodeRawEvent(ev models.RawEvent) ([]byte, error) {
	unit := flexInt(ev.UnitNum)
	epoch := flexInt(ev.DeviceEpoch)
	return json.Marshal(wireMessage{
		UnitNum:       &unit,
		EventCodeType: ev.EventCodeType,
		EventCode:     ev.EventCode,
		DeviceDate:    &epoch,
	})
}

// EncodeUnitState renders a presence snapshot in the wire format Decode accepts.
func EncodeUnitState(st models.UnitState) ([]byte, error) {
	unit := flexInt(st.UnitNum)
	epoch := flexInt(st.DeviceEpoch)
	return json.Marshal(wireMessage{
		PayloadType: payloadTypeState,
		UnitNum:     &unit,
		Presence:    string(st.Presence),
		DeviceDate:  &epoch,
	})
}
