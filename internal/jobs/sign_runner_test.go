package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/runstate"
	"github.com/enduid/enduid-server/internal/service"
	"github.com/enduid/enduid-server/internal/skland"
)

// memRecords is an in-memory sign record store.
type memRecords struct {
	mu     sync.Mutex
	marked map[string]map[string]struct{}
}

func newMemRecords() *memRecords {
	return &memRecords{marked: make(map[string]map[string]struct{})}
}

func (m *memRecords) Exists(ctx context.Context, uid, date string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[date][uid]
	return ok, nil
}

func (m *memRecords) SignedUIDs(ctx context.Context, date string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.marked[date]))
	for uid := range m.marked[date] {
		out[uid] = struct{}{}
	}
	return out, nil
}

func (m *memRecords) Mark(ctx context.Context, uid, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marked[date] == nil {
		m.marked[date] = make(map[string]struct{})
	}
	m.marked[date][uid] = struct{}{}
	return nil
}

func (m *memRecords) PurgeThrough(ctx context.Context, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for d, uids := range m.marked {
		if d <= date {
			n += int64(len(uids))
			delete(m.marked, d)
		}
	}
	return n, nil
}

func (m *memRecords) WithTx(tx *sqlx.Tx) repository.SignRecordRepository {
	return m
}

// fakeUsers lists a fixed set of users. The first failures calls return err.
type fakeUsers struct {
	users    []model.User
	failures int
	err      error
}

func (f *fakeUsers) ListSignable(ctx context.Context) ([]model.User, error) {
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.users, nil
}

// fakeAttendance answers check-ins with a fixed response per uid.
type fakeAttendance struct {
	mu       sync.Mutex
	calls    map[string]int
	respond  func(uid string) (*skland.Response, error)
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeAttendance) Attendance(ctx context.Context, cred, uid string) (*skland.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[uid]++
	f.mu.Unlock()
	return f.respond(uid)
}

func (f *fakeAttendance) callsFor(uid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uid]
}

type noAccounts struct{}

func (noAccounts) ActiveUser(ctx context.Context, caller model.Caller) (*model.User, error) {
	return nil, nil
}

func (noAccounts) MarkInvalid(ctx context.Context, user model.User, reason string) {}

type fakeReporter struct {
	results []service.SignResult
	totals  service.SignCounts
	calls   int
}

func (f *fakeReporter) Report(ctx context.Context, results []service.SignResult, totals service.SignCounts) {
	f.calls++
	f.results = results
	f.totals = totals
}

type fakeSink struct {
	mu   sync.Mutex
	sent []model.OutboundMessage
	done chan struct{}
}

func (f *fakeSink) Send(ctx context.Context, target model.Target, msg model.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

// progressStore records every progress update of the wrapped store.
type progressStore struct {
	runstate.Store
	mu      sync.Mutex
	updates []int
}

func (p *progressStore) Progress(ctx context.Context, total, completed int, now time.Time) error {
	p.mu.Lock()
	p.updates = append(p.updates, completed)
	p.mu.Unlock()
	return p.Store.Progress(ctx, total, completed, now)
}

type runnerFixture struct {
	runner   *SignRunner
	users    *fakeUsers
	api      *fakeAttendance
	records  *memRecords
	state    *progressStore
	reporter *fakeReporter
	sink     *fakeSink
	gaps     atomic.Int32
	path     string
}

func newRunnerFixture(t *testing.T, users []model.User, concurrent int, retryDelay time.Duration) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		users:    &fakeUsers{users: users},
		api:      &fakeAttendance{respond: func(string) (*skland.Response, error) { return &skland.Response{Code: skland.CodeOK}, nil }},
		records:  newMemRecords(),
		reporter: &fakeReporter{},
		sink:     &fakeSink{done: make(chan struct{}, 1)},
		path:     filepath.Join(t.TempDir(), "signing_state.json"),
	}
	f.state = &progressStore{Store: runstate.NewFileStore(f.path, time.Local)}

	signer := service.NewSignService(f.api, noAccounts{}, nil, f.records, nil, service.SignOptions{
		MaxRetries: 3,
		RetryDelay: retryDelay,
		Location:   time.Local,
	})
	f.runner = NewSignRunner(signer, f.users, f.records, f.state, nil, f.reporter, f.sink, SignRunnerOptions{
		Concurrent:  concurrent,
		IntervalMin: time.Second,
		IntervalMax: 2 * time.Second,
		Location:    time.Local,
	})
	f.runner.sleep = func(ctx context.Context, d time.Duration) error {
		f.gaps.Add(1)
		return ctx.Err()
	}
	t.Cleanup(f.runner.Shutdown)
	return f
}

func eligible(uids ...string) []model.User {
	users := make([]model.User, 0, len(uids))
	for _, uid := range uids {
		users = append(users, model.User{
			UID:          uid,
			UserID:       "10001",
			BotID:        "onebot",
			Cred:         "cred-" + uid,
			CookieStatus: model.CookieStatusValid,
			SignSwitch:   model.SignSwitchOn,
		})
	}
	return users
}

func writeMarker(t *testing.T, path string, state model.RunState) {
	t.Helper()
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestSignRunner_AllSucceed(t *testing.T) {
	f := newRunnerFixture(t, eligible("1", "2", "3", "4", "5"), 2, time.Millisecond)

	summary, err := f.runner.RunNow(context.Background(), model.RunKindManual)
	require.NoError(t, err)

	assert.Equal(t, service.SignCounts{Success: 5}, summary.Counts)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, []int{0, 2, 4, 5}, f.state.updates)
	assert.EqualValues(t, 2, f.gaps.Load())
	assert.LessOrEqual(t, f.api.peak.Load(), int32(2))
	assert.Equal(t, "签到完成: 共 5 人 | 成功 5 | 已签 0 | 失败 0", summary.Text())

	assert.Equal(t, 1, f.reporter.calls)
	assert.Len(t, f.reporter.results, 5)

	_, err = os.Stat(f.path)
	assert.True(t, os.IsNotExist(err), "run state should be cleared")
}

func TestSignRunner_AlreadySignedSentinel(t *testing.T) {
	f := newRunnerFixture(t, eligible("1"), 1, time.Millisecond)
	f.api.respond = func(string) (*skland.Response, error) {
		return &skland.Response{Code: skland.CodeAlreadyDone, Message: "请勿重复签到"}, nil
	}

	summary, err := f.runner.RunNow(context.Background(), model.RunKindAuto)
	require.NoError(t, err)

	assert.Equal(t, service.SignCounts{Signed: 1}, summary.Counts)
	signedToday, err := f.records.Exists(context.Background(), "1", model.SignDate(time.Now()))
	require.NoError(t, err)
	assert.True(t, signedToday)
}

func TestSignRunner_TimeoutsExhaustRetries(t *testing.T) {
	delay := 20 * time.Millisecond
	f := newRunnerFixture(t, eligible("1"), 1, delay)
	f.api.respond = func(string) (*skland.Response, error) {
		return nil, apperrors.TransientNetwork(context.DeadlineExceeded)
	}

	started := time.Now()
	summary, err := f.runner.RunNow(context.Background(), model.RunKindAuto)
	require.NoError(t, err)

	assert.Equal(t, service.SignCounts{Fail: 1}, summary.Counts)
	assert.Equal(t, 3, f.api.callsFor("1"))
	assert.GreaterOrEqual(t, time.Since(started), 2*delay)

	signedToday, err := f.records.Exists(context.Background(), "1", model.SignDate(time.Now()))
	require.NoError(t, err)
	assert.False(t, signedToday)
}

func TestSignRunner_SkipsSignedAccounts(t *testing.T) {
	f := newRunnerFixture(t, eligible("1", "2"), 2, time.Millisecond)
	require.NoError(t, f.records.Mark(context.Background(), "1", model.SignDate(time.Now())))

	summary, err := f.runner.RunNow(context.Background(), model.RunKindAuto)
	require.NoError(t, err)

	assert.Equal(t, service.SignCounts{Success: 1, Skipped: 1}, summary.Counts)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, []int{0, 1}, f.state.updates)
	assert.Equal(t, "签到完成: 共 1 人 | 成功 1 | 已签 0 | 失败 0 | 跳过 1", summary.Text())
	assert.Equal(t, 0, f.api.callsFor("1"))

	second, err := f.runner.RunNow(context.Background(), model.RunKindAuto)
	require.NoError(t, err)
	assert.Equal(t, service.SignCounts{Skipped: 2}, second.Counts)
	assert.Equal(t, 1, f.api.callsFor("2"))
}

func TestSignRunner_PanicBecomesFailure(t *testing.T) {
	f := newRunnerFixture(t, eligible("1", "2"), 2, time.Millisecond)
	f.api.respond = func(uid string) (*skland.Response, error) {
		if uid == "1" {
			panic("bad account")
		}
		return &skland.Response{Code: skland.CodeOK}, nil
	}

	summary, err := f.runner.RunNow(context.Background(), model.RunKindAuto)
	require.NoError(t, err)
	assert.Equal(t, service.SignCounts{Success: 1, Fail: 1}, summary.Counts)
}

func TestSignRunner_MutualExclusion(t *testing.T) {
	f := newRunnerFixture(t, eligible("1"), 1, time.Millisecond)
	writeMarker(t, f.path, model.NewRunState(model.RunKindAuto, time.Now().Add(-time.Hour)))

	err := f.runner.Start(context.Background(), model.RunKindManual, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyRunning))

	_, err = f.runner.RunNow(context.Background(), model.RunKindManual)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyRunning))
	assert.Equal(t, 0, f.api.callsFor("1"))
}

func TestSignRunner_StartPushesSummary(t *testing.T) {
	f := newRunnerFixture(t, eligible("1"), 1, time.Millisecond)
	target := model.Target{Type: model.TargetGroup, ID: "g1", BotID: "onebot"}

	require.NoError(t, f.runner.Start(context.Background(), model.RunKindManual, &target))

	select {
	case <-f.sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("summary not pushed")
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, "签到完成: 共 1 人 | 成功 1 | 已签 0 | 失败 0", f.sink.sent[0].Text)
}

func TestSignRunner_Resume(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		f := newRunnerFixture(t, eligible("1"), 1, time.Millisecond)
		resumed, err := f.runner.Resume(ctx)
		require.NoError(t, err)
		assert.False(t, resumed)
	})

	t.Run("stale state is discarded", func(t *testing.T) {
		f := newRunnerFixture(t, eligible("1"), 1, time.Millisecond)
		writeMarker(t, f.path, model.NewRunState(model.RunKindAuto, time.Now().Add(-25*time.Hour)))

		resumed, err := f.runner.Resume(ctx)
		require.NoError(t, err)
		assert.False(t, resumed)

		_, err = os.Stat(f.path)
		assert.True(t, os.IsNotExist(err))
		assert.Equal(t, 0, f.api.callsFor("1"))
	})

	t.Run("live state re-runs the batch", func(t *testing.T) {
		f := newRunnerFixture(t, eligible("1", "2"), 2, time.Millisecond)
		require.NoError(t, f.records.Mark(ctx, "1", model.SignDate(time.Now())))
		writeMarker(t, f.path, model.NewRunState(model.RunKindManual, time.Now().Add(-time.Hour)))

		resumed, err := f.runner.Resume(ctx)
		require.NoError(t, err)
		assert.True(t, resumed)

		require.Eventually(t, func() bool {
			_, err := os.Stat(f.path)
			return os.IsNotExist(err)
		}, 2*time.Second, 10*time.Millisecond)

		f.runner.Shutdown()
		assert.Equal(t, 0, f.api.callsFor("1"))
		assert.Equal(t, 1, f.api.callsFor("2"))
		assert.Equal(t, 1, f.reporter.calls)
	})
}

func TestSignRunner_CancelledRunKeepsState(t *testing.T) {
	f := newRunnerFixture(t, eligible("1", "2"), 1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	f.runner.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := f.runner.RunNow(ctx, model.RunKindAuto)
	assert.ErrorIs(t, err, context.Canceled)

	state, err := f.state.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.Completed)
	assert.Equal(t, 0, f.reporter.calls)
}

func TestSignRunner_FailedRunReleasesState(t *testing.T) {
	f := newRunnerFixture(t, eligible("1"), 1, time.Millisecond)
	f.users.failures = 1
	f.users.err = errors.New("db: connection reset")

	_, err := f.runner.RunNow(context.Background(), model.RunKindManual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list signable users")

	state, err := f.state.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state)

	summary, err := f.runner.RunNow(context.Background(), model.RunKindManual)
	require.NoError(t, err)
	assert.Equal(t, service.SignCounts{Success: 1}, summary.Counts)
}

func TestSignRunner_TimedOutRunReleasesState(t *testing.T) {
	f := newRunnerFixture(t, eligible("1", "2"), 1, time.Millisecond)
	state := model.NewRunState(model.RunKindAuto, time.Now())
	require.NoError(t, f.state.Acquire(context.Background(), state))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.runner.Run(ctx, state)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := f.state.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, f.reporter.calls)

	_, err = f.runner.RunNow(context.Background(), model.RunKindAuto)
	require.NoError(t, err)
}

func TestSignRunner_BatchGap(t *testing.T) {
	r := &SignRunner{intervalMin: time.Second, intervalMax: 3 * time.Second}
	for i := 0; i < 50; i++ {
		gap := r.batchGap()
		assert.GreaterOrEqual(t, gap, time.Second)
		assert.LessOrEqual(t, gap, 3*time.Second)
	}

	fixed := &SignRunner{intervalMin: 2 * time.Second, intervalMax: 2 * time.Second}
	assert.Equal(t, 2*time.Second, fixed.batchGap())
}
