package api

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/homesense/event-resolver/internal/engine"
	"github.com/homesense/event-resolver/internal/ingest"
	"github.com/homesense/event-resolver/internal/models"
	"github.com/homesense/event-resolver/internal/rules"
	"github.com/homesense/event-resolver/internal/utils"
)

// FromProtoIngestRequest decodes an IngestEvent request using the sensor wire format.
func FromProtoIngestRequest(req *structpb.Struct) (ingest.Message, error) {
	if req == nil {
		return ingest.Message{}, utils.NewAppError("IngestEvent", "request is nil", ingest.ErrMalformed)
	}
	payload, err := json.Marshal(req.AsMap())
	if err != nil {
		return ingest.Message{}, utils.NewAppError("IngestEvent", "encode request", err)
	}
	msg, err := ingest.Decode(payload)
	if err != nil {
		return ingest.Message{}, utils.NewAppError("IngestEvent", "invalid sensor message", err)
	}
	return msg, nil
}

// MaxAgeFromProto reads the optional maxAgeMinutes field, returning fallback when absent.
func MaxAgeFromProto(req *structpb.Struct, fallback int) (int, error) {
	if req == nil {
		return fallback, nil
	}
	v, ok := req.GetFields()["maxAgeMinutes"]
	if !ok {
		return fallback, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, utils.NewAppError("ListOpenResolutions", "maxAgeMinutes must be a number", nil)
	}
	if n.NumberValue <= 0 || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, utils.NewAppError("ListOpenResolutions", fmt.Sprintf("maxAgeMinutes must be a positive integer, got %v", n.NumberValue), nil)
	}
	return int(n.NumberValue), nil
}

// IDFromProto reads the required id field of a single-record request.
func IDFromProto(op string, req *structpb.Struct) (string, error) {
	id := strings.TrimSpace(req.GetFields()["id"].GetStringValue())
	if id == "" {
		return "", utils.NewAppError(op, "id is required", nil)
	}
	return id, nil
}

// MinConfidenceFromProto reads the optional minConfidence filter. An absent
// field yields the empty Confidence, which admits every record.
func MinConfidenceFromProto(req *structpb.Struct) (models.Confidence, error) {
	v, ok := req.GetFields()["minConfidence"]
	if !ok {
		return "", nil
	}
	c, err := models.ParseConfidence(v.GetStringValue())
	if err != nil {
		return "", utils.NewAppError("ListOpenResolutions", "invalid minConfidence", err)
	}
	return c, nil
}

// FilterByConfidence keeps records whose confidence ranks at or above least.
func FilterByConfidence(recs []models.ResolvedEvent, least models.Confidence) []models.ResolvedEvent {
	if least == "" {
		return recs
	}
	out := make([]models.ResolvedEvent, 0, len(recs))
	for _, rec := range recs {
		if rec.Confidence.Rank() >= least.Rank() {
			out = append(out, rec)
		}
	}
	return out
}

// ToProtoIngestResponse echoes the accepted message and reports the record it
// opened, if a root rule matched.
func ToProtoIngestResponse(msg ingest.Message, rec *models.ResolvedEvent, now time.Time) (*structpb.Struct, error) {
	fields := map[string]interface{}{"matched": rec != nil}
	switch {
	case msg.Event != nil:
		fields["event"] = map[string]interface{}{
			"unitNum":       msg.Event.UnitNum,
			"eventCodeType": msg.Event.EventCodeType,
			"eventCode":     msg.Event.EventCode,
			"type":          msg.Event.TypeText(),
			"code":          msg.Event.CodeText(),
			"deviceTime":    utils.FormatEpoch(msg.Event.DeviceEpoch),
		}
	case msg.State != nil:
		fields["state"] = map[string]interface{}{
			"unitNum":    msg.State.UnitNum,
			"presence":   string(msg.State.Presence),
			"deviceTime": utils.FormatEpoch(msg.State.DeviceEpoch),
		}
	}
	if rec != nil {
		fields["resolution"] = resolutionFields(*rec, now)
	}
	return structpb.NewStruct(fields)
}

// ToProtoResolutionsResponse lists open resolved events.
func ToProtoResolutionsResponse(recs []models.ResolvedEvent, now time.Time) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(recs))
	for _, rec := range recs {
		list = append(list, resolutionFields(rec, now))
	}
	return structpb.NewStruct(map[string]interface{}{"resolutions": list})
}

// ToProtoResolution renders a single record.
func ToProtoResolution(rec models.ResolvedEvent, now time.Time) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"resolution": resolutionFields(rec, now)})
}

// ToProtoResolutionDetail renders one record with the states it passed through, oldest first.
func ToProtoResolutionDetail(rec models.ResolvedEvent, history []models.ResolutionHistoryEntry, now time.Time) (*structpb.Struct, error) {
	entries := make([]interface{}, 0, len(history))
	for _, h := range history {
		entries = append(entries, map[string]interface{}{
			"name":        h.ResolutionName,
			"text":        h.ResolutionText,
			"confidence":  string(h.Confidence),
			"treePath":    h.TreePath,
			"anchorEpoch": h.AnchorEpoch,
			"recordedAt":  utils.FormatTime(h.RecordedAt),
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"resolution": resolutionFields(rec, now),
		"history":    entries,
	})
}

// ToProtoCycleSummary reports the counters of one resolution pass.
func ToProtoCycleSummary(summary engine.CycleSummary) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"scanned":   summary.Scanned,
		"updated":   summary.Updated,
		"unchanged": summary.Unchanged,
		"corrupt":   summary.Corrupt,
	})
}

// ToProtoRulesResponse flattens the rule tree depth-first.
func ToProtoRulesResponse(tree *rules.Tree) (*structpb.Struct, error) {
	list := make([]interface{}, 0)
	if tree != nil {
		tree.Walk(func(n *rules.Node) bool {
			list = append(list, map[string]interface{}{
				"path":       n.Path,
				"name":       n.Name,
				"resolution": n.ResolutionText,
				"confidence": string(n.Confidence),
				"depth":      n.Depth,
				"root":       n.IsRoot(),
				"leaf":       n.IsLeaf(),
			})
			return true
		})
	}
	return structpb.NewStruct(map[string]interface{}{"rules": list})
}

func resolutionFields(rec models.ResolvedEvent, now time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"id":          rec.ID,
		"name":        rec.ResolutionName,
		"text":        rec.ResolutionText,
		"confidence":  string(rec.Confidence),
		"treePath":    rec.TreePath,
		"closed":      rec.Closed,
		"anchorEpoch": rec.AnchorEpoch,
		"deviceTime":  utils.FormatEpoch(rec.AnchorEpoch),
		"createdAt":   utils.FormatTime(rec.CreatedAt),
		"updatedAt":   utils.FormatTime(rec.LastUpdatedAt),
	}
	if !rec.LastUpdatedAt.IsZero() {
		fields["ageMinutes"] = utils.DurationMinutes(rec.LastUpdatedAt, now)
	}
	return fields
}
