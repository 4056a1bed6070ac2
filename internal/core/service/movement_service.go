package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

const DefaultPlacement = "Main warehouse"

const instrumentationName = "github.com/rl1809/stock-movement/internal/core/service"

type MovementRequest struct {
	SourceItemID          string
	Quantity              int64
	ActorID               string
	Description           string
	DestinationLocationID string // empty for a withdrawal
	DestinationPlacement  string
}

func (r MovementRequest) IsTransfer() bool {
	return r.DestinationLocationID != ""
}

func (r MovementRequest) kind() domain.MovementKind {
	if r.IsTransfer() {
		return domain.MovementTransfer
	}
	return domain.MovementWithdrawal
}

func (r MovementRequest) normalized() MovementRequest {
	r.SourceItemID = strings.TrimSpace(r.SourceItemID)
	r.ActorID = strings.TrimSpace(r.ActorID)
	r.DestinationLocationID = strings.TrimSpace(r.DestinationLocationID)
	r.DestinationPlacement = strings.TrimSpace(r.DestinationPlacement)
	return r
}

type MovementResult struct {
	MovementID string
	Kind       domain.MovementKind
	// Path lists the states the movement went through, ending in DONE or FAILED.
	Path []State
}

type Option func(*MovementService)

// WithItemLocker serializes movements of the same source item through l.
func WithItemLocker(l port.ItemLocker) Option {
	return func(s *MovementService) { s.locker = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *MovementService) { s.tracer = t }
}

func WithMeter(m metric.Meter) Option {
	return func(s *MovementService) { s.meter = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *MovementService) { s.now = now }
}

// WithPermissiveMerge merges into the first matching destination line instead
// of rejecting a transfer whose destination holds several matching lines.
func WithPermissiveMerge() Option {
	return func(s *MovementService) { s.allowAmbiguousMerge = true }
}

// WithAtomicWrites runs every movement inside one store transaction when the
// store implements port.Transactor.
func WithAtomicWrites() Option {
	return func(s *MovementService) { s.atomicWrites = true }
}

// WithDestinationCheck rejects transfers to locations unknown to the store.
func WithDestinationCheck() Option {
	return func(s *MovementService) { s.checkDestination = true }
}

func WithDefaultPlacement(p string) Option {
	return func(s *MovementService) {
		if p = strings.TrimSpace(p); p != "" {
			s.defaultPlacement = p
		}
	}
}

type MovementService struct {
	store  port.DocumentStore
	locker port.ItemLocker
	tracer trace.Tracer
	meter  metric.Meter
	now    func() time.Time

	movements       metric.Int64Counter
	partialFailures metric.Int64Counter

	allowAmbiguousMerge bool
	atomicWrites        bool
	checkDestination    bool
	defaultPlacement    string
}

func NewMovementService(store port.DocumentStore, opts ...Option) *MovementService {
	s := &MovementService{
		store:            store,
		tracer:           otel.Tracer(instrumentationName),
		meter:            otel.Meter(instrumentationName),
		now:              func() time.Time { return time.Now().UTC() },
		defaultPlacement: DefaultPlacement,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.initMetrics()

	if s.atomicWrites {
		if _, ok := store.(port.Transactor); !ok {
			log.Printf("movement: store %T has no transactions, movements will not be atomic", store)
			s.atomicWrites = false
		}
	}
	return s
}

// ExecuteMovement withdraws stock from a line or transfers it to another
// location, and records the movement.
//
// Validation failures leave the store untouched. A failure after the source
// line was written is returned as *PartialFailureError and the source change
// is kept.
func (s *MovementService) ExecuteMovement(ctx context.Context, req MovementRequest) (MovementResult, error) {
	req = req.normalized()

	ctx, span := s.tracer.Start(ctx, "movement.execute", trace.WithAttributes(
		attribute.String("item_id", req.SourceItemID),
		attribute.Int64("quantity", req.Quantity),
		attribute.String("kind", string(req.kind())),
		attribute.String("destination_location_id", req.DestinationLocationID),
	))
	defer span.End()

	res, err := s.executeLocked(ctx, req)
	s.movements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(req.kind())),
		attribute.String("outcome", outcome(err)),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("movement: %s of item %s failed: %v", req.kind(), req.SourceItemID, err)
		return res, err
	}

	span.SetAttributes(attribute.String("movement_id", res.MovementID))
	log.Printf("movement: %s %s of item %s recorded", req.kind(), res.MovementID, req.SourceItemID)
	return res, nil
}

func (s *MovementService) executeLocked(ctx context.Context, req MovementRequest) (MovementResult, error) {
	if s.locker == nil || req.SourceItemID == "" {
		return s.execute(ctx, req)
	}

	release, err := s.locker.Lock(ctx, req.SourceItemID)
	if err != nil {
		res := MovementResult{Kind: req.kind(), Path: []State{StateFailed}}
		if errors.Is(err, port.ErrLockHeld) {
			return res, fmt.Errorf("lock item %s: %w: %w", req.SourceItemID, ErrConflict, err)
		}
		return res, fmt.Errorf("lock item %s: %w: %w", req.SourceItemID, ErrPersistence, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("movement: failed to release lock on item %s: %v", req.SourceItemID, err)
		}
	}()

	return s.execute(ctx, req)
}

func (s *MovementService) execute(ctx context.Context, req MovementRequest) (MovementResult, error) {
	if s.atomicWrites {
		tx := s.store.(port.Transactor)

		var res MovementResult
		err := tx.RunInTransaction(ctx, func(ctx context.Context, store port.DocumentStore) error {
			var err error
			res, err = s.run(ctx, store, req, true)
			return err
		})
		if err != nil && (len(res.Path) == 0 || res.Path[len(res.Path)-1] != StateFailed) {
			// commit failed after every step went through
			res.MovementID = ""
			res.Path = append(res.Path, StateFailed)
			return res, storeError("commit movement", err)
		}
		return res, err
	}

	res, err := s.run(ctx, s.store, req, false)

	var partial *PartialFailureError
	if errors.As(err, &partial) {
		s.appendReconciliation(ctx, req, partial)
	}
	return res, err
}

// run drives the state machine against store. With atomic set the caller
// rolls back every write on error, so no failure is partial.
func (s *MovementService) run(ctx context.Context, store port.DocumentStore, req MovementRequest, atomic bool) (MovementResult, error) {
	res := MovementResult{Kind: req.kind()}
	sourceWritten := false

	fail := func(stage State, err error) (MovementResult, error) {
		orphan := res.MovementID
		res.MovementID = ""
		res.Path = append(res.Path, StateFailed)
		if sourceWritten && !atomic {
			return res, &PartialFailureError{Stage: stage, SourceItemID: req.SourceItemID, MovementID: orphan, Err: err}
		}
		return res, err
	}

	var source domain.Item
	err := s.step(ctx, &res, StateValidating, func(ctx context.Context) error {
		var err error
		source, err = s.validate(ctx, store, req)
		return err
	})
	if err != nil {
		return fail(StateValidating, err)
	}

	reconcile, err := needsReconciliation(source, req)
	if err != nil {
		return fail(StateValidating, err)
	}

	err = s.step(ctx, &res, StateAdjustingSource, func(ctx context.Context) error {
		_, err := s.adjustSource(ctx, store, source, req)
		return err
	})
	if err != nil {
		return fail(StateAdjustingSource, err)
	}
	sourceWritten = true

	if reconcile {
		err = s.step(ctx, &res, StateReconcilingDestination, func(ctx context.Context) error {
			_, err := s.reconcileDestination(ctx, store, source, req)
			return err
		})
		if err != nil {
			return fail(StateReconcilingDestination, err)
		}
	}

	movement := domain.Movement{
		SourceLocationID:      source.LocationID,
		DestinationLocationID: req.DestinationLocationID,
		ItemID:                source.ID,
		ActorID:               req.ActorID,
		Quantity:              req.Quantity,
		Kind:                  req.kind(),
		Timestamp:             s.now(),
		Description:           req.Description,
	}
	err = s.step(ctx, &res, StateRecording, func(ctx context.Context) error {
		id, err := s.record(ctx, store, movement)
		res.MovementID = id
		return err
	})
	if err != nil {
		return fail(StateRecording, err)
	}

	res.Path = append(res.Path, StateDone)
	return res, nil
}

func (s *MovementService) step(ctx context.Context, res *MovementResult, state State, fn func(ctx context.Context) error) error {
	res.Path = append(res.Path, state)

	ctx, span := s.tracer.Start(ctx, "movement."+strings.ToLower(state.String()))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// needsReconciliation reports whether the destination side has to be touched:
// only material transfers merge into or create a destination line, equipment
// relocates with its own line.
func needsReconciliation(source domain.Item, req MovementRequest) (bool, error) {
	if !req.IsTransfer() {
		return false, nil
	}
	switch source.Stock.(type) {
	case domain.Material:
		return true, nil
	case domain.Equipment:
		return false, nil
	default:
		return false, fmt.Errorf("item %s: %w", source.ID, domain.ErrUnknownKind)
	}
}

func (s *MovementService) placementOr(p string) string {
	if p != "" {
		return p
	}
	return s.defaultPlacement
}

func (s *MovementService) appendReconciliation(ctx context.Context, req MovementRequest, pf *PartialFailureError) {
	s.partialFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", pf.Stage.String())))
	log.Printf("movement: CRITICAL %s of item %s failed while %s after the source line was written, manual reconciliation required: %v",
		req.kind(), req.SourceItemID, pf.Stage, pf.Err)

	entry := domain.ReconciliationEntry{
		SourceItemID:          req.SourceItemID,
		Stage:                 pf.Stage.String(),
		Quantity:              req.Quantity,
		DestinationLocationID: req.DestinationLocationID,
		ActorID:               req.ActorID,
		Error:                 pf.Err.Error(),
		MovementID:            pf.MovementID,
		CreatedAt:             s.now(),
	}
	doc, err := s.store.Put(context.WithoutCancel(ctx), reconciliationCollection, port.Document{Fields: reconciliationFields(entry)})
	if err != nil {
		log.Printf("movement: CRITICAL failed to append reconciliation entry for item %s: %v", req.SourceItemID, err)
		return
	}
	pf.ReconciliationID = doc.ID
}

func (s *MovementService) initMetrics() {
	var err error
	s.movements, err = s.meter.Int64Counter("stock.movements",
		metric.WithDescription("Movements attempted, by kind and outcome."))
	if err != nil {
		log.Printf("movement: failed to create movements counter: %v", err)
		s.movements = noop.Int64Counter{}
	}
	s.partialFailures, err = s.meter.Int64Counter("stock.movements.partial_failures",
		metric.WithDescription("Movements that failed after the source line was written."))
	if err != nil {
		log.Printf("movement: failed to create partial failures counter: %v", err)
		s.partialFailures = noop.Int64Counter{}
	}
}

func outcome(err error) string {
	var partial *PartialFailureError
	switch {
	case err == nil:
		return "done"
	case errors.As(err, &partial):
		return "partial"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPersistence):
		return "error"
	default:
		return "rejected"
	}
}
