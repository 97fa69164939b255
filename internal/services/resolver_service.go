package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/homesense/event-resolver/internal/api"
	"github.com/homesense/event-resolver/internal/engine"
	"github.com/homesense/event-resolver/internal/ingest"
	"github.com/homesense/event-resolver/internal/models"
	"github.com/homesense/event-resolver/internal/rules"
	"github.com/homesense/event-resolver/internal/utils"
)

// SourceAPI labels events submitted through the gRPC API.
const SourceAPI = "grpc"

// MessageDispatcher records decoded sensor messages and opens resolved events.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, source string, msg ingest.Message) (*models.ResolvedEvent, error)
}

// ResolutionRepository reads resolved events and their history, and closes them.
type ResolutionRepository interface {
	FetchOpenResolvedEvents(ctx context.Context, maxAgeMinutes int) ([]models.ResolvedEvent, error)
	GetResolvedEvent(ctx context.Context, id string) (models.ResolvedEvent, error)
	History(ctx context.Context, id string) ([]models.ResolutionHistoryEntry, error)
	CloseResolvedEvent(ctx context.Context, id string) error
}

// CycleTrigger runs a resolution pass on demand.
type CycleTrigger interface {
	RunOnce(ctx context.Context) (engine.CycleSummary, error)
}

// ResolverService implements the gRPC ResolverEngine service.
type ResolverService struct {
	logger        *slog.Logger
	dispatcher    MessageDispatcher
	repo          ResolutionRepository
	trigger       CycleTrigger
	tree          *rules.Tree
	maxAgeMinutes int
	latencies     *utils.LatencyTracker
	now           func() time.Time
}

var _ api.ResolverEngineServer = (*ResolverService)(nil)

// NewResolverService constructs the service facade. Any dependency may be nil;
// the corresponding method then reports FailedPrecondition.
func NewResolverService(logger *slog.Logger, dispatcher MessageDispatcher, repo ResolutionRepository, trigger CycleTrigger, tree *rules.Tree, maxAgeMinutes int) *ResolverService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAgeMinutes <= 0 {
		maxAgeMinutes = engine.DefaultMaxAgeMinutes
	}
	return &ResolverService{
		logger:        logger,
		dispatcher:    dispatcher,
		repo:          repo,
		trigger:       trigger,
		tree:          tree,
		maxAgeMinutes: maxAgeMinutes,
		latencies:     utils.NewLatencyTracker(1024),
		now:           time.Now,
	}
}

// IngestEvent accepts one sensor message and reports the record it opened, if any.
func (s *ResolverService) IngestEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.dispatcher == nil {
		return nil, status.Error(codes.FailedPrecondition, "dispatcher not configured")
	}

	msg, err := api.FromProtoIngestRequest(req)
	if err != nil {
		if appErr, ok := utils.AsAppError(err); ok {
			s.logger.Debug("rejected ingest request", slog.String("op", appErr.Op), slog.String("reason", appErr.Msg))
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rec, err := s.dispatcher.Dispatch(ctx, SourceAPI, msg)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformed) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.Error("ingest event failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to ingest event")
	}

	resp, err := api.ToProtoIngestResponse(msg, rec, s.now())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// ListOpenResolutions returns open records updated within maxAgeMinutes.
func (s *ResolverService) ListOpenResolutions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.FailedPrecondition, "resolution store not configured")
	}

	maxAge, err := api.MaxAgeFromProto(req, s.maxAgeMinutes)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	least, err := api.MinConfidenceFromProto(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	recs, err := s.repo.FetchOpenResolvedEvents(ctx, maxAge)
	if err != nil {
		s.logger.Error("list open resolutions failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to list resolutions")
	}

	resp, err := api.ToProtoResolutionsResponse(api.FilterByConfidence(recs, least), s.now())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// GetResolution returns one record with its full refinement history.
func (s *ResolverService) GetResolution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.FailedPrecondition, "resolution store not configured")
	}
	id, err := api.IDFromProto("GetResolution", req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rec, err := s.repo.GetResolvedEvent(ctx, id)
	if err != nil {
		return nil, s.lookupError("get resolution", id, err)
	}
	history, err := s.repo.History(ctx, id)
	if err != nil {
		s.logger.Error("load resolution history failed", slog.String("id", id), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to load history")
	}

	resp, err := api.ToProtoResolutionDetail(rec, history, s.now())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// CloseResolution stops further refinement of a record.
func (s *ResolverService) CloseResolution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.FailedPrecondition, "resolution store not configured")
	}
	id, err := api.IDFromProto("CloseResolution", req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.repo.CloseResolvedEvent(ctx, id); err != nil {
		return nil, s.lookupError("close resolution", id, err)
	}
	rec, err := s.repo.GetResolvedEvent(ctx, id)
	if err != nil {
		return nil, s.lookupError("get resolution", id, err)
	}
	s.logger.Info("resolved event closed", slog.String("id", id), slog.String("rule", rec.ResolutionName))

	resp, err := api.ToProtoResolution(rec, s.now())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func (s *ResolverService) lookupError(op, id string, err error) error {
	if errors.Is(err, models.ErrResolvedEventNotFound) {
		return status.Errorf(codes.NotFound, "resolution %s not found", id)
	}
	s.logger.Error(op+" failed", slog.String("id", id), slog.Any("error", err))
	return status.Error(codes.Internal, "failed to "+op)
}

// ResolveNow runs a resolution cycle immediately.
func (s *ResolverService) ResolveNow(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.trigger == nil {
		return nil, status.Error(codes.FailedPrecondition, "scheduler not configured")
	}

	start := time.Now()
	summary, err := s.trigger.RunOnce(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrCycleInProgress) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		s.logger.Error("on-demand resolution cycle failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "resolution cycle failed")
	}
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("resolution cycle latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	resp, err := api.ToProtoCycleSummary(summary)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// ListRules returns the loaded rule tree in depth-first order.
func (s *ResolverService) ListRules(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.tree == nil {
		return nil, status.Error(codes.FailedPrecondition, "rule tree not loaded")
	}
	resp, err := api.ToProtoRulesResponse(s.tree)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// LatencyP95 returns the current p95 latency of on-demand cycles.
func (s *ResolverService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
