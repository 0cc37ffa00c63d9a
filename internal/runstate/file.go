package runstate

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/config"
	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
)

// FileStore keeps the marker in a JSON file. Creation uses O_EXCL so two
// processes cannot both create it; replacing a stale marker is a
// remove-then-create sequence and two processes racing on the same stale
// file may both succeed.
type FileStore struct {
	path       string
	staleAfter time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

func NewFileStore(path string, loc *time.Location) *FileStore {
	return &FileStore{
		path:       path,
		staleAfter: config.RunStateStaleAfter,
		now:        func() time.Time { return time.Now().In(loc) },
	}
}

func (s *FileStore) Acquire(ctx context.Context, state model.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create run state dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(raw)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("write run state: %w", werr)
			}
			return cerr
		}
		if !stderrors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create run state: %w", err)
		}

		existing, rerr := s.read()
		if rerr == nil && existing == nil {
			continue
		}
		if rerr == nil && !existing.IsStale(s.now(), s.staleAfter) {
			return apperrors.AlreadyRunning()
		}
		log.Warn().Str("path", s.path).Msg("discarding stale run state")
		if err := os.Remove(s.path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale run state: %w", err)
		}
	}
	return apperrors.AlreadyRunning()
}

func (s *FileStore) Get(ctx context.Context) (*model.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) Progress(ctx context.Context, total, completed int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil || state == nil {
		return err
	}
	state.Total = total
	state.Completed = completed
	state.UpdateTime = now.Format(model.RunStateTimeLayout)
	return s.writeAtomic(state)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove run state: %w", err)
	}
	return nil
}

func (s *FileStore) read() (*model.RunState, error) {
	raw, err := os.ReadFile(s.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run state: %w", err)
	}

	var state model.RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &state, nil
}

func (s *FileStore) writeAtomic(state *model.RunState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".run-state-*")
	if err != nil {
		return fmt.Errorf("create temp run state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run state: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
