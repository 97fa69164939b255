package ingest

import (
	"errors"
	"testing"

	"github.com/homesense/event-resolver/internal/models"
)

func TestDecodeEvent(t *testing.T) {
	msg, err := Decode([]byte(`{"unitNum":8,"eventCodeType":"O","eventCode":"O","deviceDate":1000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event == nil || msg.State != nil {
		t.Fatalf("expected an event, got %+v", msg)
	}
	want := models.RawEvent{UnitNum: 8, EventCodeType: "O", EventCode: "O", DeviceEpoch: 1000}
	if *msg.Event != want {
		t.Fatalf("decoded %+v, want %+v", *msg.Event, want)
	}
}

func TestDecodeAcceptsHubFormatting(t *testing.T) {
	msg, err := Decode([]byte(`{"UnitNum":"4","EventCodeType":"M","EventCode":"D","DeviceDate":"1500"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event.UnitNum != 4 || msg.Event.DeviceEpoch != 1500 {
		t.Fatalf("unexpected event: %+v", msg.Event)
	}

	msg, err = Decode([]byte(`{"unitNum":3,"eventCodeType":"M","eventCode":"D","deviceEpoch":900}`))
	if err != nil {
		t.Fatalf("decode alias: %v", err)
	}
	if msg.Event.DeviceEpoch != 900 {
		t.Fatalf("deviceEpoch alias ignored: %+v", msg.Event)
	}
}

func TestDecodeState(t *testing.T) {
	msg, err := Decode([]byte(`{"payloadType":"STATE","unitNum":8,"presence":"p","deviceDate":1118}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.State == nil || msg.State.Presence != models.PresencePresent || msg.State.DeviceEpoch != 1118 {
		t.Fatalf("unexpected state: %+v", msg)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"unitNum":`,
		"no unit":       `{"eventCodeType":"O","eventCode":"O","deviceDate":1}`,
		"negative unit": `{"unitNum":-1,"eventCodeType":"O","eventCode":"O","deviceDate":1}`,
		"no epoch":      `{"unitNum":8,"eventCodeType":"O","eventCode":"O"}`,
		"bad epoch":     `{"unitNum":8,"eventCodeType":"O","eventCode":"O","deviceDate":"yesterday"}`,
		"no code":       `{"unitNum":8,"eventCodeType":"O","deviceDate":1}`,
		"bad presence":  `{"unitNum":8,"presence":"X","deviceDate":1}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestEncodeRawEventRoundTrips(t *testing.T) {
	ev := models.RawEvent{UnitNum: 6, EventCodeType: "O", EventCode: "C", DeviceEpoch: 1234}
	data, err := EncodeRawEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *msg.Event != ev {
		t.Fatalf("round trip = %+v, want %+v", *msg.Event, ev)
	}
}

func TestEncodeUnitStateRoundTrips(t *testing.T) {
	st := models.UnitState{UnitNum: 8, Presence: models.PresenceAbsent, DeviceEpoch: 1300}
	data, err := EncodeUnitState(st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.State == nil || *msg.State != st {
		t.Fatalf("round trip = %+v, want %+v", msg.State, st)
	}
}
