// Package processor is the only write path into the event stream and the
// profile projection: lock, validate, append, apply.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"social-credit-ledger/api/internal/eventlog"
	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/shared/logx"
	"social-credit-ledger/shared/metricsx"
	"social-credit-ledger/shared/workflow"
)

// ErrApplyPending means the event is durably logged but the projection has
// not caught up yet. Resubmitting the command would log it twice; recovery
// applies it instead.
var ErrApplyPending = errors.New("event logged but not yet applied")

// ErrAggregateBehind means an aggregate the command touches still has logged
// events that could not be applied. Nothing was written; the command may be
// resubmitted.
var ErrAggregateBehind = errors.New("aggregate has unapplied events")

// ErrLeaseLost means the aggregate locks expired before the append. Nothing
// was written; the command may be resubmitted.
var ErrLeaseLost = errors.New("aggregate lock lost before append")

const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
	outcomePending  = "pending"
)

type Options struct {
	Policy       events.Policy
	Locker       Locker
	Logger       logx.Logger
	RetryMax     int
	RetryBackoff time.Duration
}

type Processor struct {
	store    events.ProfileStore
	log      eventlog.Log
	locker   Locker
	policy   events.Policy
	logger   logx.Logger
	retryMax int
	backoff  time.Duration
	tracer   trace.Tracer
}

func New(store events.ProfileStore, log eventlog.Log, opts Options) (*Processor, error) {
	if store == nil {
		return nil, errors.New("profile store is required")
	}
	if log == nil {
		return nil, errors.New("event log is required")
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	retryMax := opts.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}
	return &Processor{
		store:    store,
		log:      log,
		locker:   locker,
		policy:   opts.Policy,
		logger:   opts.Logger,
		retryMax: retryMax,
		backoff:  backoff,
		tracer:   otel.Tracer("processor"),
	}, nil
}

func (p *Processor) Policy() events.Policy { return p.policy }

// Process runs one command. On success the returned id is the event's id. A
// *events.ValidationError means nothing was written. ErrApplyPending (wrapped
// as non-retryable) means the event was logged and the id is still returned.
func (p *Processor) Process(ctx context.Context, e events.Event) (ulid.ULID, error) {
	start := time.Now()
	id := e.EventID()
	typ := e.TypeName()
	ctx, span := p.tracer.Start(ctx, "command.process", trace.WithAttributes(
		attribute.String("event.type", typ),
		attribute.String("event.id", id.String()),
	))
	defer span.End()

	track := workflow.NewTracker()
	logger := p.logger.With(slog.String("event_id", id.String()), slog.String("event_type", typ))

	keys := events.LockKeys(e)
	lease, backlog, err := p.lockCovering(ctx, keys)
	if err != nil {
		return ulid.ULID{}, p.fail(ctx, span, logger, track, start, typ, err)
	}
	defer lease.Release()

	if err := p.catchUp(ctx, backlog); err != nil {
		return ulid.ULID{}, p.fail(ctx, span, logger, track, start, typ, fmt.Errorf("%w: %w", ErrAggregateBehind, err))
	}

	if err := events.Validate(ctx, p.store, p.policy, e); err != nil {
		if v, ok := events.AsValidation(err); ok {
			ev := track.Advance(workflow.StageRejected)
			span.SetAttributes(attribute.String("rejection.code", v.Code))
			logger.Info(ctx, ev, "command rejected",
				slog.String("reason_code", v.Code),
				slog.String("reason", v.Message),
			)
			metricsx.ObserveCommand(typ, outcomeRejected, time.Since(start))
			return ulid.ULID{}, err
		}
		return ulid.ULID{}, p.fail(ctx, span, logger, track, start, typ, err)
	}
	track.Advance(workflow.StageValidated)

	if err := lease.Check(ctx); err != nil {
		return ulid.ULID{}, p.fail(ctx, span, logger, track, start, typ, fmt.Errorf("%w: %w", ErrLeaseLost, err))
	}
	pos, err := p.log.Append(ctx, events.ToRecord(e), keys)
	if err != nil {
		return ulid.ULID{}, p.fail(ctx, span, logger, track, start, typ, fmt.Errorf("append event: %w", err))
	}
	track.Advance(workflow.StageLogged)
	span.SetAttributes(attribute.String("log.position", pos.String()))

	// The event is durable from here on; caller cancellation must not stop the apply.
	if err := p.applyWithRetry(context.WithoutCancel(ctx), logger, e, pos); err != nil {
		ev := track.Advance(workflow.StagePending)
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply pending")
		logger.Error(ctx, ev, "event logged but apply failed",
			append(logx.Failure(logx.CodeInternal, err), slog.String("position", pos.String()))...,
		)
		metricsx.ObserveCommand(typ, outcomePending, time.Since(start))
		return id, wrapNonRetryable(fmt.Errorf("%w: %w", ErrApplyPending, err))
	}
	p.markApplied(ctx, pos)
	ev := track.Advance(workflow.StageApplied)
	logger.Info(ctx, ev, "command applied", slog.String("position", pos.String()))
	metricsx.ObserveCommand(typ, outcomeApplied, time.Since(start))
	return id, nil
}

// lockCovering locks keys together with the keys of every unapplied entry
// that shares one of them, and returns those entries oldest first. The
// returned backlog can be applied under the lease.
func (p *Processor) lockCovering(ctx context.Context, keys []string) (Lease, []eventlog.Entry, error) {
	want := keys
	for {
		lease, err := p.locker.Lock(ctx, want)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire lock: %w", err)
		}
		backlog, err := p.log.Unapplied(ctx, want)
		if err != nil {
			lease.Release()
			return nil, nil, fmt.Errorf("read unapplied entries: %w", err)
		}
		union := unionKeys(want, backlog)
		if len(union) == len(want) {
			return lease, backlog, nil
		}
		lease.Release()
		want = union
	}
}

func unionKeys(keys []string, entries []eventlog.Entry) []string {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	for _, entry := range entries {
		for _, k := range entry.Keys {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// catchUp applies logged entries the projection is missing, in log order.
// It stops at the first failure so later entries never overtake it.
func (p *Processor) catchUp(ctx context.Context, backlog []eventlog.Entry) error {
	for _, entry := range backlog {
		if _, err := p.applyEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// applyEntry applies one marked entry and clears its marker. It reports
// whether the projection changed. An unreadable entry can never be applied,
// so its marker is dropped with a warning.
func (p *Processor) applyEntry(ctx context.Context, entry eventlog.Entry) (bool, error) {
	e, err := events.ParseRecord(entry.Record)
	if err != nil {
		p.logger.Warn(ctx, "recover_malformed", "dropping unreadable unapplied entry",
			append(logx.Failure(logx.CodeFailedPrecondition, err), slog.String("position", entry.Position.String()))...,
		)
		return false, p.log.MarkApplied(ctx, entry.Position)
	}
	applied, err := events.Exec(ctx, p.store, p.policy, e, entry.Position)
	if err != nil {
		return false, fmt.Errorf("entry %s: %w", entry.Position, err)
	}
	if err := p.log.MarkApplied(ctx, entry.Position); err != nil {
		return false, fmt.Errorf("clear marker %s: %w", entry.Position, err)
	}
	if applied {
		metricsx.AddRecoveredEvents(1)
		p.logger.Info(ctx, workflow.EventApplyRecovered, "logged event applied late",
			slog.String("event_id", e.EventID().String()),
			slog.String("event_type", e.TypeName()),
			slog.String("position", entry.Position.String()),
		)
	}
	return applied, nil
}

// markApplied clears the marker after a successful apply. A failure leaves a
// stale marker, which the next writer clears as a no-op apply.
func (p *Processor) markApplied(ctx context.Context, pos models.LogPosition) {
	if err := p.log.MarkApplied(context.WithoutCancel(ctx), pos); err != nil {
		p.logger.Warn(ctx, "unapplied_marker_stale", "could not clear unapplied marker",
			append(logx.Failure(logx.CodeInternal, err), slog.String("position", pos.String()))...,
		)
	}
}

func (p *Processor) fail(ctx context.Context, span trace.Span, logger logx.Logger, track *workflow.Tracker, start time.Time, typ string, err error) error {
	ev := track.Advance(workflow.StageFailed)
	if ev == "" {
		ev = workflow.EventCommandFailed
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "command failed")
	logger.Error(ctx, ev, "command failed", logx.Failure(logx.CodeInternal, err)...)
	metricsx.ObserveCommand(typ, outcomeFailed, time.Since(start))
	return err
}

func (p *Processor) applyWithRetry(ctx context.Context, logger logx.Logger, e events.Event, pos models.LogPosition) error {
	var lastErr error
	for attempt := 0; attempt <= p.retryMax; attempt++ {
		if attempt > 0 {
			metricsx.IncApplyRetry(e.TypeName())
			logger.Warn(ctx, "apply_retry", "retrying projection apply",
				append(logx.Failure(logx.CodeInternal, lastErr), slog.Int("attempt", attempt))...,
			)
			time.Sleep(retryDelay(p.backoff, attempt))
		}
		_, err := events.Exec(ctx, p.store, p.policy, e, pos)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	delay := base * time.Duration(attempt*attempt)
	if delay > 2*time.Second {
		return 2 * time.Second
	}
	return delay
}

type RecoverStats struct {
	Scanned   int
	Applied   int
	Skipped   int
	Malformed int
	Failed    int
}

// Recover brings the projection up to the log. It first applies every entry
// still marked unapplied, wherever it sits in the stream, then re-applies the
// newest window entries for any written without a marker. Once an entry
// fails, later entries sharing one of its aggregates are left for the next
// writer. Unparseable entries are logged and counted; apply failures are
// returned joined.
func (p *Processor) Recover(ctx context.Context, reader eventlog.Reader, window int) (RecoverStats, error) {
	var stats RecoverStats
	ctx, span := p.tracer.Start(ctx, "command.recover", trace.WithAttributes(attribute.Int("window", window)))
	defer span.End()

	marked, err := p.log.Unapplied(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("read unapplied entries: %w", err)
	}
	var tail []eventlog.Entry
	if window > 0 {
		if tail, err = reader.Last(ctx, window); err != nil {
			return stats, fmt.Errorf("read stream tail: %w", err)
		}
	}

	seen := make(map[models.LogPosition]bool, len(marked))
	blocked := make(map[string]bool)
	var errs []error
	for _, entry := range marked {
		seen[entry.Position] = true
		stats.Scanned++
		if anyBlocked(blocked, entry.Keys) {
			stats.Failed++
			continue
		}
		_, parseErr := events.ParseRecord(entry.Record)
		applied, err := p.recoverMarked(ctx, entry)
		switch {
		case err != nil:
			stats.Failed++
			errs = append(errs, err)
			for _, k := range entry.Keys {
				blocked[k] = true
			}
		case parseErr != nil:
			stats.Malformed++
		case applied:
			stats.Applied++
		default:
			stats.Skipped++
		}
	}

	for _, entry := range tail {
		if seen[entry.Position] {
			continue
		}
		stats.Scanned++
		e, err := events.ParseRecord(entry.Record)
		if err != nil {
			stats.Malformed++
			p.logger.Warn(ctx, "recover_malformed", "skipping unreadable stream entry",
				append(logx.Failure(logx.CodeFailedPrecondition, err), slog.String("position", entry.Position.String()))...,
			)
			continue
		}
		if anyBlocked(blocked, events.LockKeys(e)) {
			stats.Skipped++
			continue
		}
		applied, err := p.recoverOne(ctx, e, entry.Position)
		switch {
		case err != nil:
			stats.Failed++
			errs = append(errs, fmt.Errorf("entry %s: %w", entry.Position, err))
			for _, k := range events.LockKeys(e) {
				blocked[k] = true
			}
		case applied:
			stats.Applied++
			metricsx.AddRecoveredEvents(1)
			p.logger.Info(ctx, workflow.EventApplyRecovered, "logged event applied by recovery",
				slog.String("event_id", e.EventID().String()),
				slog.String("event_type", e.TypeName()),
				slog.String("position", entry.Position.String()),
			)
		default:
			stats.Skipped++
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return stats, err
	}
	return stats, nil
}

func anyBlocked(blocked map[string]bool, keys []string) bool {
	for _, k := range keys {
		if blocked[k] {
			return true
		}
	}
	return false
}

func (p *Processor) recoverMarked(ctx context.Context, entry eventlog.Entry) (bool, error) {
	lease, err := p.locker.Lock(ctx, entry.Keys)
	if err != nil {
		return false, fmt.Errorf("entry %s: %w", entry.Position, err)
	}
	defer lease.Release()
	return p.applyEntry(ctx, entry)
}

func (p *Processor) recoverOne(ctx context.Context, e events.Event, pos models.LogPosition) (bool, error) {
	lease, err := p.locker.Lock(ctx, events.LockKeys(e))
	if err != nil {
		return false, err
	}
	defer lease.Release()
	return events.Exec(ctx, p.store, p.policy, e, pos)
}
