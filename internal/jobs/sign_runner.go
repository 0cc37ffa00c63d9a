package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/audit"
	"github.com/enduid/enduid-server/internal/config"
	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/runstate"
	"github.com/enduid/enduid-server/internal/service"
	"github.com/enduid/enduid-server/internal/sink"
)

// AccountSigner checks in one account.
type AccountSigner interface {
	SignAccount(ctx context.Context, user model.User) service.SignResult
	Today() string
}

type SignableLister interface {
	ListSignable(ctx context.Context) ([]model.User, error)
}

type SignedLister interface {
	SignedUIDs(ctx context.Context, date string) (map[string]struct{}, error)
}

type RunReporter interface {
	Report(ctx context.Context, results []service.SignResult, totals service.SignCounts)
}

type SignRunnerOptions struct {
	Concurrent  int
	IntervalMin time.Duration
	IntervalMax time.Duration
	Location    *time.Location
}

// RunSummary is the outcome of one batch run. Total counts the accounts
// still pending when the run started; already-signed ones are Skipped.
type RunSummary struct {
	ID      string
	Kind    model.RunKind
	Total   int
	Counts  service.SignCounts
	Results []service.SignResult
}

// Text renders the one-line summary shown to admins and written to the log.
func (s *RunSummary) Text() string {
	text := fmt.Sprintf("签到完成: 共 %d 人 | 成功 %d | 已签 %d | 失败 %d",
		s.Total, s.Counts.Success, s.Counts.Signed, s.Counts.Fail)
	if s.Counts.Skipped > 0 {
		text += fmt.Sprintf(" | 跳过 %d", s.Counts.Skipped)
	}
	return text
}

// SignRunner executes batch check-in runs. At most one run is in flight,
// gated by the persisted run state so the guard survives restarts.
type SignRunner struct {
	signer   AccountSigner
	users    SignableLister
	records  SignedLister
	state    runstate.Store
	status   service.StatusRecorder
	reporter RunReporter
	sink     sink.Sender

	concurrent  int
	intervalMin time.Duration
	intervalMax time.Duration
	loc         *time.Location

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSignRunner(
	signer AccountSigner,
	users SignableLister,
	records SignedLister,
	state runstate.Store,
	status service.StatusRecorder,
	reporter RunReporter,
	sender sink.Sender,
	opts SignRunnerOptions,
) *SignRunner {
	if opts.Concurrent < 1 {
		opts.Concurrent = 1
	}
	if opts.IntervalMax < opts.IntervalMin {
		opts.IntervalMax = opts.IntervalMin
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SignRunner{
		signer:      signer,
		users:       users,
		records:     records,
		state:       state,
		status:      status,
		reporter:    reporter,
		sink:        sender,
		concurrent:  opts.Concurrent,
		intervalMin: opts.IntervalMin,
		intervalMax: opts.IntervalMax,
		loc:         opts.Location,
		now:         time.Now,
		sleep:       sleepContext,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start acquires the run state and launches a run in the background. It
// returns ALREADY_RUNNING when another run holds the state. When replyTo is
// set, the summary is pushed there on completion.
func (r *SignRunner) Start(ctx context.Context, kind model.RunKind, replyTo *model.Target) error {
	state := model.NewRunState(kind, r.now().In(r.loc))
	if err := r.state.Acquire(ctx, state); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeAlreadyRunning) {
			audit.Log(ctx, audit.Event{
				Type:    audit.EventSignRunRejected,
				Details: map[string]interface{}{"kind": string(kind)},
			})
		}
		return err
	}

	r.launch(state, replyTo)
	return nil
}

// RunNow acquires the run state and runs in the caller's goroutine.
func (r *SignRunner) RunNow(ctx context.Context, kind model.RunKind) (*RunSummary, error) {
	state := model.NewRunState(kind, r.now().In(r.loc))
	if err := r.state.Acquire(ctx, state); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeAlreadyRunning) {
			audit.Log(ctx, audit.Event{
				Type:    audit.EventSignRunRejected,
				Details: map[string]interface{}{"kind": string(kind)},
			})
		}
		return nil, err
	}
	return r.Run(ctx, state)
}

// Resume re-enters a run left behind by a previous process. A stale marker
// is discarded. It reports whether a run was resumed.
func (r *SignRunner) Resume(ctx context.Context) (bool, error) {
	state, err := r.state.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("read run state: %w", err)
	}
	if state == nil {
		return false, nil
	}

	if state.IsStale(r.now().In(r.loc), config.RunStateStaleAfter) {
		log.Warn().Str("type", string(state.Type)).Str("startTime", state.StartTime).
			Msg("discarding stale check-in run state")
		if err := r.state.Clear(ctx); err != nil {
			return false, fmt.Errorf("clear stale run state: %w", err)
		}
		return false, nil
	}

	log.Info().Str("type", string(state.Type)).Str("startTime", state.StartTime).
		Int("completed", state.Completed).Msg("resuming interrupted check-in run")
	r.launch(*state, nil)
	return true, nil
}

// Shutdown cancels background runs and waits for them. A cancelled run keeps
// its state so the next start resumes it.
func (r *SignRunner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *SignRunner) launch(state model.RunState, replyTo *model.Target) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, config.SignRunTimeout)
		defer cancel()

		summary, err := r.Run(ctx, state)
		if err != nil {
			log.Error().Err(err).Str("type", string(state.Type)).Msg("check-in run failed")
			return
		}
		if replyTo != nil {
			if err := r.sink.Send(ctx, *replyTo, model.OutboundMessage{Text: summary.Text()}); err != nil {
				log.Warn().Err(err).Msg("failed to push check-in summary")
			}
		}
	}()
}

// Run executes a batch run for an acquired state and clears the state when
// the run ends. Only a cancellation from Shutdown leaves the state in place
// for Resume; any other failure, a timeout included, releases it.
func (r *SignRunner) Run(ctx context.Context, state model.RunState) (_ *RunSummary, err error) {
	summary := &RunSummary{ID: uuid.NewString(), Kind: state.Type}
	logger := log.With().Str("run", summary.ID).Str("type", string(state.Type)).Logger()

	defer func() {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		if cerr := r.state.Clear(context.WithoutCancel(ctx)); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to clear run state after failed run")
		}
	}()

	audit.Log(ctx, audit.Event{
		Type:    audit.EventSignRunStart,
		Details: map[string]interface{}{"run": summary.ID, "kind": string(state.Type)},
	})

	users, err := r.users.ListSignable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list signable users: %w", err)
	}
	signed, err := r.records.SignedUIDs(ctx, r.signer.Today())
	if err != nil {
		return nil, fmt.Errorf("load sign records: %w", err)
	}

	var pending []model.User
	for _, u := range users {
		if _, ok := signed[u.UID]; ok {
			summary.Counts.Skipped++
			continue
		}
		pending = append(pending, u)
	}
	summary.Total = len(pending)
	logger.Info().Int("candidates", len(users)).Int("pending", len(pending)).
		Int("skipped", summary.Counts.Skipped).Int("concurrent", r.concurrent).
		Msg("check-in run started")

	completed := 0
	r.progress(ctx, logger, summary.Total, completed)

	for start := 0; start < len(pending); start += r.concurrent {
		end := min(start+r.concurrent, len(pending))
		results := r.runBatch(ctx, logger, pending[start:end])
		for _, res := range results {
			summary.Counts = summary.Counts.Add(res.Status)
			summary.Results = append(summary.Results, res)
		}
		completed += len(results)
		r.progress(ctx, logger, summary.Total, completed)

		if end < len(pending) {
			if err := r.sleep(ctx, r.batchGap()); err != nil {
				break
			}
		}
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Int("completed", completed).Msg("check-in run interrupted, state kept for resume")
		} else {
			logger.Error().Err(err).Int("completed", completed).Msg("check-in run timed out")
		}
		return summary, err
	}

	if r.status != nil {
		if err := r.status.Record(ctx, r.now().In(r.loc), summary.Counts); err != nil {
			logger.Warn().Err(err).Msg("failed to record sign status")
		}
	}

	logger.Info().
		Int("success", summary.Counts.Success).
		Int("signed", summary.Counts.Signed).
		Int("fail", summary.Counts.Fail).
		Int("skipped", summary.Counts.Skipped).
		Msg(summary.Text())

	if r.reporter != nil {
		r.reporter.Report(ctx, summary.Results, summary.Counts)
	}

	if err := r.state.Clear(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to clear run state")
	}

	audit.Log(ctx, audit.Event{
		Type: audit.EventSignRunFinish,
		Details: map[string]interface{}{
			"run":     summary.ID,
			"kind":    string(state.Type),
			"success": summary.Counts.Success,
			"signed":  summary.Counts.Signed,
			"fail":    summary.Counts.Fail,
			"skipped": summary.Counts.Skipped,
		},
	})
	return summary, nil
}

// runBatch checks in users concurrently and waits for all of them. A panic in
// one task becomes a fail result for that account.
func (r *SignRunner) runBatch(ctx context.Context, logger zerolog.Logger, users []model.User) []service.SignResult {
	results := make([]service.SignResult, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					logger.Error().Interface("panic", p).Str("uid", u.UID).Msg("check-in task panicked")
					results[i] = service.SignResult{User: u, Status: model.SignStatusFail, Message: "内部错误"}
				}
			}()
			results[i] = r.signer.SignAccount(ctx, u)
		}()
	}
	wg.Wait()
	return results
}

func (r *SignRunner) progress(ctx context.Context, logger zerolog.Logger, total, completed int) {
	if err := r.state.Progress(ctx, total, completed, r.now().In(r.loc)); err != nil {
		logger.Warn().Err(err).Msg("failed to update run progress")
	}
}

func (r *SignRunner) batchGap() time.Duration {
	spread := r.intervalMax - r.intervalMin
	if spread <= 0 {
		return r.intervalMin
	}
	return r.intervalMin + time.Duration(rand.Int64N(int64(spread)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
