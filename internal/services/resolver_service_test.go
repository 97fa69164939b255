package services

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/homesense/event-resolver/internal/engine"
	"github.com/homesense/event-resolver/internal/ingest"
	"github.com/homesense/event-resolver/internal/rules"
	"github.com/homesense/event-resolver/internal/store"
)

type busyTrigger struct{}

func (busyTrigger) RunOnce(context.Context) (engine.CycleSummary, error) {
	return engine.CycleSummary{}, engine.ErrCycleInProgress
}

func newTestService(t *testing.T) *ResolverService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree, err := rules.Default()
	if err != nil {
		t.Fatalf("default tree: %v", err)
	}
	mem := store.NewMemory()
	resolver := engine.NewResolver(logger, tree, mem, mem, nil, engine.ResolverConfig{})
	scheduler := engine.NewScheduler(logger, resolver, nil, engine.SchedulerConfig{})
	dispatcher := ingest.NewDispatcher(logger, resolver, mem)
	return NewResolverService(logger, dispatcher, mem, scheduler, tree, 0)
}

func sensorEvent(t *testing.T, unit int, codeType, code string, epoch int64) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]interface{}{
		"unitNum":       unit,
		"eventCodeType": codeType,
		"eventCode":     code,
		"deviceDate":    epoch,
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestIngestThenResolve(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	opened, err := service.IngestEvent(ctx, sensorEvent(t, 8, "O", "O", 1000))
	if err != nil {
		t.Fatalf("ingest open: %v", err)
	}
	if !opened.GetFields()["matched"].GetBoolValue() {
		t.Fatalf("expected garage open to match a root rule")
	}

	closed, err := service.IngestEvent(ctx, sensorEvent(t, 8, "O", "C", 1120))
	if err != nil {
		t.Fatalf("ingest close: %v", err)
	}
	if closed.GetFields()["matched"].GetBoolValue() {
		t.Fatalf("garage close must not open a record")
	}

	summary, err := service.ResolveNow(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("resolve now: %v", err)
	}
	if summary.GetFields()["updated"].GetNumberValue() != 1 {
		t.Fatalf("expected one update, got %v", summary)
	}

	list, err := service.ListOpenResolutions(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	recs := list.GetFields()["resolutions"].GetListValue().GetValues()
	if len(recs) != 1 {
		t.Fatalf("expected one open resolution, got %d", len(recs))
	}
	rec := recs[0].GetStructValue().GetFields()
	if got := rec["treePath"].GetStringValue(); got != "EVENT_Garage_Opened.EVENT_Garage_Closed" {
		t.Fatalf("unexpected tree path %q", got)
	}
	if rec["anchorEpoch"].GetNumberValue() != 1120 {
		t.Fatalf("expected anchor 1120, got %v", rec["anchorEpoch"].GetNumberValue())
	}
}

func TestGetAndCloseResolution(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	opened, err := service.IngestEvent(ctx, sensorEvent(t, 8, "O", "O", 1000))
	if err != nil {
		t.Fatalf("ingest open: %v", err)
	}
	id := opened.GetFields()["resolution"].GetStructValue().GetFields()["id"].GetStringValue()
	if _, err := service.IngestEvent(ctx, sensorEvent(t, 8, "O", "C", 1120)); err != nil {
		t.Fatalf("ingest close: %v", err)
	}
	if _, err := service.ResolveNow(ctx, &emptypb.Empty{}); err != nil {
		t.Fatalf("resolve now: %v", err)
	}

	idReq, _ := structpb.NewStruct(map[string]interface{}{"id": id})
	detail, err := service.GetResolution(ctx, idReq)
	if err != nil {
		t.Fatalf("get resolution: %v", err)
	}
	history := detail.GetFields()["history"].GetListValue().GetValues()
	if len(history) != 2 {
		t.Fatalf("expected open and refined history entries, got %d", len(history))
	}
	if got := history[0].GetStructValue().GetFields()["name"].GetStringValue(); got != "EVENT_Garage_Opened" {
		t.Fatalf("unexpected first history entry %q", got)
	}
	if got := history[1].GetStructValue().GetFields()["name"].GetStringValue(); got != "EVENT_Garage_Closed" {
		t.Fatalf("unexpected second history entry %q", got)
	}

	closed, err := service.CloseResolution(ctx, idReq)
	if err != nil {
		t.Fatalf("close resolution: %v", err)
	}
	if !closed.GetFields()["resolution"].GetStructValue().GetFields()["closed"].GetBoolValue() {
		t.Fatalf("expected closed record, got %v", closed)
	}
	list, err := service.ListOpenResolutions(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if n := len(list.GetFields()["resolutions"].GetListValue().GetValues()); n != 0 {
		t.Fatalf("closed record still listed as open (%d)", n)
	}

	missing, _ := structpb.NewStruct(map[string]interface{}{"id": "nope"})
	if _, err := service.GetResolution(ctx, missing); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.CloseResolution(ctx, missing); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found on close, got %v", err)
	}
	if _, err := service.GetResolution(ctx, nil); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestListOpenResolutionsMinConfidence(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.IngestEvent(ctx, sensorEvent(t, 8, "O", "O", 1000)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	high, _ := structpb.NewStruct(map[string]interface{}{"minConfidence": "High"})
	list, err := service.ListOpenResolutions(ctx, high)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if n := len(list.GetFields()["resolutions"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("a Certain record must pass a High filter, got %d", n)
	}

	bad, _ := structpb.NewStruct(map[string]interface{}{"minConfidence": "sure"})
	if _, err := service.ListOpenResolutions(ctx, bad); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestIngestMalformed(t *testing.T) {
	service := newTestService(t)
	req, _ := structpb.NewStruct(map[string]interface{}{"eventCode": "O"})

	_, err := service.IngestEvent(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestListOpenResolutionsRejectsBadMaxAge(t *testing.T) {
	service := newTestService(t)
	req, _ := structpb.NewStruct(map[string]interface{}{"maxAgeMinutes": "soon"})

	_, err := service.ListOpenResolutions(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestResolveNowWhileCycleRunning(t *testing.T) {
	service := NewResolverService(nil, nil, nil, busyTrigger{}, nil, 0)

	_, err := service.ResolveNow(context.Background(), &emptypb.Empty{})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestListRules(t *testing.T) {
	service := newTestService(t)

	resp, err := service.ListRules(context.Background(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(resp.GetFields()["rules"].GetListValue().GetValues()) != service.tree.Len() {
		t.Fatalf("expected every rule to be listed")
	}
}

func TestUnconfiguredDependencies(t *testing.T) {
	service := NewResolverService(nil, nil, nil, nil, nil, 0)
	ctx := context.Background()

	if _, err := service.IngestEvent(ctx, sensorEvent(t, 8, "O", "O", 1)); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("ingest: expected failed precondition, got %v", err)
	}
	if _, err := service.ListOpenResolutions(ctx, nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("list: expected failed precondition, got %v", err)
	}
	if _, err := service.ListRules(ctx, &emptypb.Empty{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("rules: expected failed precondition, got %v", err)
	}
	if _, err := service.GetResolution(ctx, nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("get: expected failed precondition, got %v", err)
	}
}
