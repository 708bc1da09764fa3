package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/expert-settlement/internal/config"
	"github.com/iliyamo/expert-settlement/internal/metrics"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/repository"
)

// Per-record outcomes of a scheduler pass.
const (
	OutcomeCompleted        = "completed"
	OutcomeRetryScheduled   = "retry_scheduled"
	OutcomeRequiresApproval = "requires_approval"
	OutcomeCancelled        = "cancelled"
	OutcomeCancelPending    = "cancel_pending"
	OutcomeReversed         = "reversed"
	OutcomeClaimLost        = "claim_lost"
	OutcomeSkipped          = "skipped"
	OutcomeError            = "error"
)

// TransitionResult describes what one pass did to one record.
type TransitionResult struct {
	TransferID       uint64               `json:"transfer_id"`
	TransactionRef   string               `json:"transaction_ref"`
	From             model.TransferStatus `json:"from"`
	To               model.TransferStatus `json:"to"`
	Outcome          string               `json:"outcome"`
	Disposition      string               `json:"disposition,omitempty"`
	RetryCount       int                  `json:"retry_count"`
	NextAttemptAt    *time.Time           `json:"next_attempt_at,omitempty"`
	RemoteTransferID string               `json:"remote_transfer_id,omitempty"`
	ErrorCode        string               `json:"error_code,omitempty"`
	ErrorMessage     string               `json:"error_message,omitempty"`
	Err              error                `json:"-"`
}

// Sweeper releases reservations whose payment hold lapsed.
type Sweeper interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// SchedulerDeps are the collaborators of a Scheduler.  Publisher and
// Sweeper are optional.
type SchedulerDeps struct {
	Transfers *repository.TransferRepo
	Audit     *repository.AuditRepo
	Settler   Settler
	Publisher Publisher
	Sweeper   Sweeper
	Logger    *zap.Logger
	NewToken  func() string
}

// Scheduler drives due transfer records through the remote settlement
// call.  It keeps no state between passes: every pass reads what is due at
// the given time, claims each record with a lease and processes records
// independently, so overlapping passes never attempt the same record twice.
type Scheduler struct {
	transfers     *repository.TransferRepo
	settler       Settler
	pub           Publisher
	sweeper       Sweeper
	policy        Policy
	lease         time.Duration
	remoteTimeout time.Duration
	batch         int
	concurrency   int
	rev           *reverser
	newToken      func() string
	log           *zap.Logger
}

// NewScheduler wires a Scheduler.
func NewScheduler(deps SchedulerDeps, cfg config.SettlementConfig) *Scheduler {
	cfg = cfg.Normalize()
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	if deps.NewToken == nil {
		deps.NewToken = uuid.NewString
	}
	log := deps.Logger.Named("scheduler")
	return &Scheduler{
		transfers:     deps.Transfers,
		settler:       deps.Settler,
		pub:           deps.Publisher,
		sweeper:       deps.Sweeper,
		policy:        Policy{MaxRetries: cfg.MaxRetries, BackoffBase: cfg.BackoffBase, BackoffMax: cfg.BackoffMax},
		lease:         cfg.LeaseDuration,
		remoteTimeout: cfg.RemoteTimeout,
		batch:         cfg.BatchSize,
		concurrency:   cfg.Concurrency,
		rev: &reverser{
			transfers: deps.Transfers,
			audit:     deps.Audit,
			settler:   deps.Settler,
			pub:       deps.Publisher,
			timeout:   cfg.RemoteTimeout,
			log:       log,
		},
		newToken: deps.NewToken,
		log:      log,
	}
}

// Policy returns the retry policy in effect.
func (s *Scheduler) Policy() Policy { return s.policy }

// RunOnce performs one selection-and-process pass as of now and returns one
// result per selected record.  A failure on one record never stops the
// others; only failing to select records at all is returned as an error.
// Unpaid reservations past their hold are expired first.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) ([]TransitionResult, error) {
	timer := prometheus.NewTimer(metrics.TickDuration)
	defer timer.ObserveDuration()
	now = now.UTC()

	if s.sweeper != nil {
		n, err := s.sweeper.ExpireStale(ctx, now)
		if err != nil {
			s.log.Error("reservation expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("expired unpaid reservations", zap.Int64("count", n))
		}
	}

	due, err := s.transfers.ListDue(ctx, now, s.batch)
	if err != nil {
		return nil, fmt.Errorf("select due transfers: %w", err)
	}
	results := make([]TransitionResult, len(due))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range due {
		g.Go(func() error {
			results[i] = s.process(ctx, due[i], now)
			metrics.SchedulerOutcomes.WithLabelValues(results[i].Outcome).Inc()
			return nil
		})
	}
	_ = g.Wait()

	s.log.Debug("scheduler pass finished", zap.Time("now", now), zap.Int("records", len(due)))
	return results, nil
}

func (s *Scheduler) process(ctx context.Context, rec model.TransferRecord, now time.Time) TransitionResult {
	res := TransitionResult{
		TransferID:     rec.ID,
		TransactionRef: rec.TransactionRef,
		From:           rec.Status,
		To:             rec.Status,
		RetryCount:     rec.RetryCount,
	}
	log := s.log.With(zap.Uint64("transfer_id", rec.ID), zap.String("transaction_ref", rec.TransactionRef))

	token := s.newToken()
	ok, err := s.transfers.Claim(ctx, rec.ID, token, now, now.Add(s.lease))
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return res.failed(err)
	}
	if !ok {
		res.Outcome = OutcomeSkipped
		return res
	}
	if rec.ClaimToken != nil {
		metrics.LeaseReclaims.Inc()
		log.Warn("claim lease expired, record reclaimed",
			zap.Timep("previous_lease_until", rec.ClaimedUntil), zap.Int("retry_count", rec.RetryCount))
	}

	if rec.CancelRequested {
		// Whoever requested the cancellation saw an attempt in flight.
		return s.cancelAfterLookup(ctx, &rec, token, now, res, log)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	timer := prometheus.NewTimer(metrics.RemoteCallDuration.WithLabelValues("transfer"))
	remoteID, callErr := s.settler.Transfer(callCtx, TransferRequest{
		Destination:    rec.ProviderAccountID,
		Amount:         rec.ProviderShare,
		Currency:       rec.Currency,
		Reference:      rec.TransactionRef,
		IdempotencyKey: IdempotencyKey(&rec),
	})
	timer.ObserveDuration()
	cancel()

	if callErr == nil {
		return s.complete(ctx, &rec, token, remoteID, now, res, log)
	}
	return s.handleFailure(ctx, &rec, token, callErr, now, res, log)
}

func (s *Scheduler) complete(ctx context.Context, rec *model.TransferRecord, token, remoteID string, now time.Time, res TransitionResult, log *zap.Logger) TransitionResult {
	res.RemoteTransferID = remoteID
	if err := s.transfers.Complete(ctx, rec.ID, token, remoteID, now); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			// The next attempt reuses the idempotency key and gets this transfer back.
			log.Warn("claim lost after remote transfer succeeded", zap.String("remote_transfer_id", remoteID))
			res.Outcome = OutcomeClaimLost
			res.Err = err
			return res
		}
		log.Error("failed to mark transfer completed", zap.String("remote_transfer_id", remoteID), zap.Error(err))
		return res.failed(err)
	}
	rec.Status = model.TransferCompleted
	rec.RemoteTransferID = &remoteID
	res.To = model.TransferCompleted
	res.Outcome = OutcomeCompleted
	log.Info("transfer completed",
		zap.String("remote_transfer_id", remoteID),
		zap.Int64("amount", rec.ProviderShare), zap.String("currency", rec.Currency))
	publish(ctx, s.pub, s.log, newEvent(EventTransferCompleted, rec, model.TransferCompleted, now))

	fresh, err := s.transfers.GetByID(ctx, rec.ID)
	if err != nil {
		log.Error("failed to reload completed transfer", zap.Error(err))
		return res
	}
	if fresh.CancelRequested {
		if _, err := s.rev.reverse(ctx, fresh, "scheduler", "cancellation requested during settlement", now); err != nil {
			res.Err = err
			return res
		}
		res.To = model.TransferReversed
		res.Outcome = OutcomeReversed
	}
	return res
}

func (s *Scheduler) handleFailure(ctx context.Context, rec *model.TransferRecord, token string, callErr error, now time.Time, res TransitionResult, log *zap.Logger) TransitionResult {
	code, msg := Describe(callErr)
	res.ErrorCode, res.ErrorMessage = code, msg

	// A cancellation that arrived during the attempt wins over any retry.
	if fresh, err := s.transfers.GetByID(ctx, rec.ID); err == nil && fresh.CancelRequested {
		switch {
		case ambiguous(callErr):
			return s.deferCancel(ctx, rec, token, code, msg, now, res, log)
		case mayHaveMovedMoney(rec):
			return s.cancelAfterLookup(ctx, rec, token, now, res, log)
		}
		return s.cancelClaimed(ctx, rec, token, now, res, log)
	}

	d := s.policy.Classify(callErr, rec.RetryCount)
	res.Disposition = d.String()
	switch d {
	case Retry:
		n := rec.RetryCount + 1
		next := now.Add(s.policy.Backoff(n))
		if err := s.transfers.ScheduleRetry(ctx, rec.ID, token, n, next, code, msg, now); err != nil {
			return s.transitionFailed(res, err, log)
		}
		res.To = model.TransferRetryScheduled
		res.Outcome = OutcomeRetryScheduled
		res.RetryCount = n
		res.NextAttemptAt = &next
		log.Warn("transient settlement failure, retry scheduled",
			zap.String("code", code), zap.Int("retry_count", n), zap.Time("next_attempt_at", next), zap.Error(callErr))
		return res
	case Escalate, Fatal:
		if err := s.transfers.RequireApproval(ctx, rec.ID, token, rec.RetryCount, code, msg, now); err != nil {
			return s.transitionFailed(res, err, log)
		}
		res.To = model.TransferRequiresApproval
		res.Outcome = OutcomeRequiresApproval
		if d == Escalate {
			log.Error("retry budget exhausted, transfer requires approval",
				zap.String("code", code), zap.Int("retry_count", rec.RetryCount), zap.Error(callErr))
		} else {
			log.Warn("permanent settlement failure, transfer requires approval",
				zap.String("code", code), zap.Error(callErr))
		}
		ev := newEvent(EventTransferRequiresApproval, rec, model.TransferRequiresApproval, now)
		ev.ErrorCode = code
		publish(ctx, s.pub, s.log, ev)
		return res
	}
	return res.failed(fmt.Errorf("unhandled disposition %v", d))
}

// cancelAfterLookup resolves a requested cancellation whose earlier
// attempt may have succeeded.  A transfer found at the processor is
// completed and reversed; otherwise the record is cancelled.
func (s *Scheduler) cancelAfterLookup(ctx context.Context, rec *model.TransferRecord, token string, now time.Time, res TransitionResult, log *zap.Logger) TransitionResult {
	remoteID, found, err := s.rev.lookup(ctx, rec.TransactionRef)
	if err != nil {
		code, msg := Describe(err)
		res.ErrorCode, res.ErrorMessage = code, msg
		log.Warn("transfer lookup failed, cancellation deferred", zap.Error(err))
		return s.deferCancel(ctx, rec, token, code, msg, now, res, log)
	}
	if found {
		log.Warn("cancelled transfer was settled by an earlier attempt, reversing", zap.String("remote_transfer_id", remoteID))
		return s.complete(ctx, rec, token, remoteID, now, res, log)
	}
	return s.cancelClaimed(ctx, rec, token, now, res, log)
}

// deferCancel releases the lease with cancel_requested still set, so a
// later pass decides once the processor's view has settled.  The retry
// count is left alone; no transfer will be attempted.
func (s *Scheduler) deferCancel(ctx context.Context, rec *model.TransferRecord, token, code, msg string, now time.Time, res TransitionResult, log *zap.Logger) TransitionResult {
	next := now.Add(s.policy.Backoff(1))
	if err := s.transfers.ScheduleRetry(ctx, rec.ID, token, rec.RetryCount, next, code, msg, now); err != nil {
		return s.transitionFailed(res, err, log)
	}
	res.To = model.TransferRetryScheduled
	res.Outcome = OutcomeCancelPending
	res.NextAttemptAt = &next
	log.Info("cancellation pending until the attempt outcome is known", zap.Time("next_attempt_at", next))
	return res
}

func (s *Scheduler) cancelClaimed(ctx context.Context, rec *model.TransferRecord, token string, now time.Time, res TransitionResult, log *zap.Logger) TransitionResult {
	if err := s.transfers.CancelClaimed(ctx, rec.ID, token, now); err != nil {
		return s.transitionFailed(res, err, log)
	}
	res.To = model.TransferCancelled
	res.Outcome = OutcomeCancelled
	log.Info("transfer cancelled after in-flight attempt")
	publish(ctx, s.pub, s.log, newEvent(EventTransferCancelled, rec, model.TransferCancelled, now))
	return res
}

func (s *Scheduler) transitionFailed(res TransitionResult, err error, log *zap.Logger) TransitionResult {
	if errors.Is(err, repository.ErrClaimLost) {
		log.Warn("claim lost before the transition was written", zap.Error(err))
		res.Outcome = OutcomeClaimLost
		res.Err = err
		return res
	}
	log.Error("failed to persist transition", zap.Error(err))
	return res.failed(err)
}

func (r TransitionResult) failed(err error) TransitionResult {
	r.Outcome = OutcomeError
	r.Err = err
	if r.ErrorMessage == "" {
		r.ErrorMessage = err.Error()
	}
	return r
}
