package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"gorm.io/gorm"

	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/internal/verification"
	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/backoff"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/metrics"
)

const (
	defaultBatchSize          = 10
	defaultPollInterval       = time.Minute
	defaultStaleLockThreshold = 5 * time.Minute
	defaultAttemptTimeout     = 45 * time.Second
)

// Submitter delivers one document to the authority.
type Submitter interface {
	Submit(ctx context.Context, sub authority.Submission) authority.Outcome
	Environment() authority.Environment
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams configure the retry orchestrator.
type ServiceParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Records   submissions.Repository
	Artifacts verification.Repository
	Builder   verification.Builder
	Authority Submitter
	Metrics   *metrics.RetryMetrics

	Policy             backoff.Policy
	BatchSize          int
	Workers            int
	PollInterval       time.Duration
	StaleLockThreshold time.Duration
	// AttemptTimeout bounds one record's attempt including persistence.
	AttemptTimeout time.Duration
	WorkerID       string
	Clock          func() time.Time
}

// Service selects failed submissions and resubmits them to the authority.
type Service struct {
	logg      *logger.Logger
	db        txRunner
	records   submissions.Repository
	artifacts verification.Repository
	builder   verification.Builder
	authority Submitter
	metrics   *metrics.RetryMetrics

	policy         backoff.Policy
	batchSize      int
	workers        int
	interval       time.Duration
	staleAfter     time.Duration
	attemptTimeout time.Duration
	workerID       string
	now            func() time.Time
}

// CycleResult summarizes one pass over the eligible set.
type CycleResult struct {
	Selected  int `json:"selected"`
	Accepted  int `json:"accepted"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
}

// NewService validates dependencies and applies defaults.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db required")
	}
	if params.Records == nil {
		return nil, errors.New("submission repository required")
	}
	if params.Artifacts == nil {
		return nil, errors.New("artifact repository required")
	}
	if params.Authority == nil {
		return nil, errors.New("authority client required")
	}

	policy := params.Policy
	if policy.Base <= 0 {
		policy = backoff.ServerPolicy
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	workers := params.Workers
	if workers <= 0 {
		workers = 1
	}
	interval := params.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	stale := params.StaleLockThreshold
	if stale <= 0 {
		stale = defaultStaleLockThreshold
	}
	attemptTimeout := params.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	workerID := params.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	builder := params.Builder
	if builder == (verification.Builder{}) {
		builder = verification.NewBuilder("")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		logg:           params.Logger,
		db:             params.DB,
		records:        params.Records,
		artifacts:      params.Artifacts,
		builder:        builder,
		authority:      params.Authority,
		metrics:        params.Metrics,
		policy:         policy,
		batchSize:      batch,
		workers:        workers,
		interval:       interval,
		staleAfter:     stale,
		attemptTimeout: attemptTimeout,
		workerID:       workerID,
		now:            func() time.Time { return clock().UTC() },
	}, nil
}

// Run releases abandoned locks and then runs a cycle every poll interval until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	ctx = s.logg.WithWorkerID(ctx, s.workerID)
	if _, err := s.ReleaseStaleLocks(ctx); err != nil {
		s.logg.Error(ctx, "stale lock recovery failed", err)
	}

	s.runOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "retry orchestrator context canceled")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	result, err := s.RunCycle(ctx)
	if err != nil {
		s.logg.Error(ctx, "retry cycle failed", err)
		return
	}
	if result.Selected == 0 {
		return
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"selected":  result.Selected,
		"accepted":  result.Accepted,
		"failed":    result.Failed,
		"exhausted": result.Exhausted,
		"skipped":   result.Skipped,
		"errored":   result.Errored,
	}), "retry cycle complete")
}

// RunCycle selects up to one batch of eligible records and attempts each of them once.
// Per-record failures are counted, never returned.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveCycle(time.Since(start))
		}
	}()

	candidates, err := s.records.SelectEligible(ctx, s.now(), s.batchSize)
	if err != nil {
		return CycleResult{}, fmt.Errorf("select eligible submissions: %w", err)
	}
	result := CycleResult{Selected: len(candidates)}
	if len(candidates) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(s.workers)
	for _, candidate := range candidates {
		id := candidate.ID
		p.Go(func() {
			outcome := s.processRecord(ctx, id)
			mu.Lock()
			result.add(outcome)
			mu.Unlock()
		})
	}
	p.Wait()
	return result, nil
}

// ReleaseStaleLocks clears processing locks older than the stale threshold.
func (s *Service) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	now := s.now()
	released, err := s.records.ReleaseStaleLocks(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("release stale locks: %w", err)
	}
	if released > 0 {
		s.logg.Warn(s.logg.WithField(ctx, "released", released), "released stale processing locks")
	}
	return released, nil
}

type recordResult int

const (
	resultSkipped recordResult = iota
	resultAccepted
	resultFailed
	resultExhausted
	resultErrored
)

func (r *CycleResult) add(outcome recordResult) {
	switch outcome {
	case resultAccepted:
		r.Accepted++
	case resultFailed:
		r.Failed++
	case resultExhausted:
		r.Failed++
		r.Exhausted++
	case resultErrored:
		r.Errored++
	default:
		r.Skipped++
	}
}
