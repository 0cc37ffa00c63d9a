package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/runstate"
)

func TestCleanupJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewCleanupJob(newMemRecords(), nil, time.UTC, 5*time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
	})

	t.Run("starts and stops without panic", func(t *testing.T) {
		state := runstate.NewFileStore(filepath.Join(t.TempDir(), "state.json"), time.UTC)
		job := NewCleanupJob(newMemRecords(), state, time.UTC, 100*time.Millisecond)

		job.Start()
		time.Sleep(50 * time.Millisecond)
		job.Stop()
	})

	t.Run("purges records older than the retain window", func(t *testing.T) {
		ctx := context.Background()
		records := newMemRecords()
		for _, date := range []string{"2026-02-26", "2026-02-27", "2026-02-28", "2026-03-01"} {
			require.NoError(t, records.Mark(ctx, "42", date))
		}
		state := runstate.NewFileStore(filepath.Join(t.TempDir(), "state.json"), time.UTC)
		job := NewCleanupJob(records, state, time.UTC, time.Hour)
		job.now = func() time.Time { return time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC) }

		job.cleanup()

		for date, kept := range map[string]bool{
			"2026-02-26": false,
			"2026-02-27": false,
			"2026-02-28": true,
			"2026-03-01": true,
		} {
			exists, err := records.Exists(ctx, "42", date)
			require.NoError(t, err)
			assert.Equal(t, kept, exists, date)
		}
	})

	t.Run("discards only stale run state", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		state := runstate.NewFileStore(path, time.UTC)
		job := NewCleanupJob(newMemRecords(), state, time.UTC, time.Hour)
		now := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
		job.now = func() time.Time { return now }

		writeMarker(t, path, model.NewRunState(model.RunKindAuto, now.Add(-time.Hour)))
		job.cleanup()
		_, err := os.Stat(path)
		assert.NoError(t, err)

		writeMarker(t, path, model.NewRunState(model.RunKindAuto, now.Add(-30*time.Hour)))
		job.cleanup()
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})
}

type fakeBatchRunner struct {
	calls chan model.RunKind
}

func (f *fakeBatchRunner) RunNow(ctx context.Context, kind model.RunKind) (*RunSummary, error) {
	f.calls <- kind
	return &RunSummary{ID: "run", Kind: kind}, nil
}

func TestSignScheduler(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)

	t.Run("rejects invalid clock", func(t *testing.T) {
		_, err := NewSignScheduler(&fakeBatchRunner{}, 25, 0, loc)
		assert.Error(t, err)
	})

	t.Run("next firing is at the configured clock", func(t *testing.T) {
		s, err := NewSignScheduler(&fakeBatchRunner{}, 3, 30, loc)
		require.NoError(t, err)
		s.Start()
		defer s.Stop()

		next := s.Next().In(loc)
		assert.Equal(t, 3, next.Hour())
		assert.Equal(t, 30, next.Minute())
		assert.True(t, next.After(time.Now()))
	})

	t.Run("fire runs an automatic batch", func(t *testing.T) {
		runner := &fakeBatchRunner{calls: make(chan model.RunKind, 1)}
		s, err := NewSignScheduler(runner, 3, 0, loc)
		require.NoError(t, err)

		s.fire()
		assert.Equal(t, model.RunKindAuto, <-runner.calls)
	})
}
