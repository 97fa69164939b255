package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/homesense/event-resolver/internal/metrics"
	"github.com/homesense/event-resolver/internal/models"
	"github.com/homesense/event-resolver/internal/rules"
)

const (
	// DefaultMaxAgeMinutes bounds how long a resolved event stays open for refinement.
	DefaultMaxAgeMinutes = 21
	// DefaultLookbackSeconds is how far before an anchor evidence is loaded.
	DefaultLookbackSeconds int64 = 900
)

// EvidenceReader loads recent sensor evidence.
type EvidenceReader interface {
	FetchRawEvents(ctx context.Context, sinceEpoch int64) ([]models.RawEvent, error)
	FetchUnitStates(ctx context.Context, sinceEpoch int64) ([]models.UnitState, error)
}

// ResolutionStore persists resolved events.
type ResolutionStore interface {
	FetchOpenResolvedEvents(ctx context.Context, maxAgeMinutes int) ([]models.ResolvedEvent, error)
	InsertResolvedEvent(ctx context.Context, rec models.ResolvedEvent) error
	UpdateResolvedEvent(ctx context.Context, id string, upd models.ResolutionUpdate) error
}

// Publisher announces new and refined resolved events downstream.
type Publisher interface {
	Publish(ctx context.Context, rec models.ResolvedEvent) error
}

// ResolverConfig tunes the refinement pass.
type ResolverConfig struct {
	MaxAgeMinutes   int
	LookbackSeconds int64
}

// CycleSummary tallies one ResolveOpenRecords pass.
type CycleSummary struct {
	Scanned   int
	Updated   int
	Unchanged int
	Corrupt   int
}

// Resolver opens resolved events from raw events and refines them as evidence arrives.
type Resolver struct {
	logger    *slog.Logger
	tree      *rules.Tree
	evidence  EvidenceReader
	store     ResolutionStore
	publisher Publisher
	cfg       ResolverConfig

	now   func() time.Time
	newID func() string
}

// NewResolver wires a Resolver. publisher may be nil.
func NewResolver(logger *slog.Logger, tree *rules.Tree, evidence EvidenceReader, store ResolutionStore, publisher Publisher, cfg ResolverConfig) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAgeMinutes <= 0 {
		cfg.MaxAgeMinutes = DefaultMaxAgeMinutes
	}
	if cfg.LookbackSeconds <= 0 {
		cfg.LookbackSeconds = DefaultLookbackSeconds
	}
	return &Resolver{
		logger:    logger,
		tree:      tree,
		evidence:  evidence,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Tree exposes the rule set the resolver evaluates against.
func (r *Resolver) Tree() *rules.Tree { return r.tree }

// OnRawEvent opens a resolved event for the first root rule the event satisfies.
// It returns nil when no root matches.
func (r *Resolver) OnRawEvent(ctx context.Context, ev models.RawEvent) (*models.ResolvedEvent, error) {
	for _, root := range r.tree.Roots() {
		if !SimpleMatch(root.Criteria, ev.UnitNum, ev.EventCodeType, ev.EventCode) {
			continue
		}

		now := r.now().UTC()
		rec := models.ResolvedEvent{
			ID:             r.newID(),
			ResolutionName: root.Name,
			ResolutionText: root.ResolutionText,
			Confidence:     root.Confidence,
			TreePath:       root.Path,
			AnchorEpoch:    ev.DeviceEpoch,
			CreatedAt:      now,
			LastUpdatedAt:  now,
		}
		if err := r.store.InsertResolvedEvent(ctx, rec); err != nil {
			metrics.ObserveRawEvent(metrics.OutcomeError)
			return nil, fmt.Errorf("insert resolved event: %w", err)
		}
		metrics.ObserveRawEvent(metrics.OutcomeMatched)
		r.logger.Info("resolved event opened",
			slog.String("id", rec.ID),
			slog.String("rule", rec.ResolutionName),
			slog.Int("unit", ev.UnitNum),
			slog.Int64("anchor", rec.AnchorEpoch),
		)
		r.publish(ctx, rec)
		return &rec, nil
	}

	metrics.ObserveRawEvent(metrics.OutcomeUnmatched)
	r.logger.Debug("raw event matched no rule",
		slog.Int("unit", ev.UnitNum),
		slog.String("type", ev.EventCodeType),
		slog.String("code", ev.EventCode),
	)
	return nil, nil
}

// ResolveOpenRecords refines every open resolved event to the deepest rule the
// current evidence supports. Records whose path no longer exists are skipped;
// any store or evidence failure aborts the pass.
func (r *Resolver) ResolveOpenRecords(ctx context.Context) (CycleSummary, error) {
	start := r.now()
	summary, err := r.resolveOpenRecords(ctx)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveCycle(r.now().Sub(start), outcome, summary.Updated, summary.Corrupt)
	return summary, err
}

func (r *Resolver) resolveOpenRecords(ctx context.Context) (CycleSummary, error) {
	var summary CycleSummary

	records, err := r.store.FetchOpenResolvedEvents(ctx, r.cfg.MaxAgeMinutes)
	if err != nil {
		return summary, fmt.Errorf("fetch open resolved events: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++

		updated, err := r.resolveRecord(ctx, rec)
		switch {
		case errors.Is(err, rules.ErrUnknownPath):
			summary.Corrupt++
			r.logger.Error("resolved event has unknown tree path",
				slog.String("id", rec.ID),
				slog.String("path", rec.TreePath),
			)
		case errors.Is(err, models.ErrResolvedEventNotFound):
			summary.Unchanged++
			r.logger.Warn("resolved event vanished during refinement", slog.String("id", rec.ID))
		case err != nil:
			return summary, err
		case updated:
			summary.Updated++
		default:
			summary.Unchanged++
		}
	}

	r.logger.Debug("resolution cycle complete",
		slog.Int("scanned", summary.Scanned),
		slog.Int("updated", summary.Updated),
		slog.Int("corrupt", summary.Corrupt),
	)
	return summary, nil
}

func (r *Resolver) resolveRecord(ctx context.Context, rec models.ResolvedEvent) (bool, error) {
	_, children, err := r.tree.Resolve(rec.TreePath)
	if err != nil {
		return false, err
	}
	if len(children) == 0 {
		return false, nil
	}

	ev, err := r.loadEvidence(ctx, rec.ID, rec.AnchorEpoch-r.cfg.LookbackSeconds)
	if err != nil {
		return false, err
	}

	best, anchor, err := r.descend(ctx, rec.ID, children, rec.AnchorEpoch, ev)
	if err != nil {
		return false, err
	}
	if best == nil {
		return false, nil
	}

	upd := models.ResolutionUpdate{
		ResolutionName: best.Name,
		ResolutionText: best.ResolutionText,
		Confidence:     best.Confidence,
		TreePath:       best.Path,
		AnchorEpoch:    anchor,
	}
	if err := r.store.UpdateResolvedEvent(ctx, rec.ID, upd); err != nil {
		return false, fmt.Errorf("update resolved event %s: %w", rec.ID, err)
	}

	previous := rec.ResolutionName
	rec.Apply(upd, r.now().UTC())
	r.logger.Info("resolved event refined",
		slog.String("id", rec.ID),
		slog.String("from", previous),
		slog.String("to", rec.ResolutionName),
		slog.String("confidence", string(rec.Confidence)),
		slog.Int64("anchor", rec.AnchorEpoch),
	)
	r.publish(ctx, rec)
	return true, nil
}

// evidenceSet is the evidence loaded for one record, complete from since onwards.
type evidenceSet struct {
	since  int64
	events []models.RawEvent
	states []models.UnitState
}

func (r *Resolver) loadEvidence(ctx context.Context, id string, since int64) (*evidenceSet, error) {
	events, err := r.evidence.FetchRawEvents(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch raw events for %s: %w", id, err)
	}
	states, err := r.evidence.FetchUnitStates(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch unit states for %s: %w", id, err)
	}
	return &evidenceSet{since: since, events: events, states: states}, nil
}

// descend walks refinements level by level. At each level the first child in
// declaration order that matches wins and its anchor carries to the next level.
// Evidence is reloaded whenever a window reaches before what is already loaded,
// so a chain of beforeAnchor rules resolves fully in a single pass.
func (r *Resolver) descend(ctx context.Context, id string, children []*rules.Node, anchor int64, ev *evidenceSet) (*rules.Node, int64, error) {
	var best *rules.Node
	for len(children) > 0 {
		var next *rules.Node
		for _, child := range children {
			if floor := evidenceFloor(child.Criteria, anchor); floor < ev.since {
				loaded, err := r.loadEvidence(ctx, id, floor)
				if err != nil {
					return nil, 0, err
				}
				ev = loaded
			}
			if matched, ok := WindowedMatch(child.Criteria, anchor, ev.events, ev.states); ok {
				next, anchor = child, matched
				break
			}
		}
		if next == nil {
			break
		}
		best = next
		children = r.tree.Children(next)
	}
	return best, anchor, nil
}

// evidenceFloor is the earliest epoch WindowedMatch may inspect for c at anchor.
func evidenceFloor(c rules.Criteria, anchor int64) int64 {
	lower, _ := Bounds(c, anchor)
	if c.RequirePresence {
		lower -= PresenceGraceSeconds
	}
	return lower
}

func (r *Resolver) publish(ctx context.Context, rec models.ResolvedEvent) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, rec); err != nil {
		metrics.ObserveNotification(metrics.OutcomeError)
		r.logger.Warn("publish resolved event failed", slog.String("id", rec.ID), slog.Any("error", err))
		return
	}
	metrics.ObserveNotification(metrics.OutcomeSuccess)
}
